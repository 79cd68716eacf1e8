package projector

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// ErrTooFewPoints 拟合平面所需点数不足
var ErrTooFewPoints = errors.New("not enough points to fit a plane")

// Plane 平面 n·p + d = 0，法向朝向位于原点的相机
type Plane struct {
	Normal   r3.Vector `json:"normal"`
	D        float64   `json:"d"`
	Centroid r3.Vector `json:"centroid"`
	Points   int       `json:"points"`
	// RMS 拟合点到平面距离的均方根
	RMS float64 `json:"rms"`
}

// FitPlane 以协方差矩阵最小特征值对应的特征向量作为法向（PCA）
func FitPlane(points []r3.Vector, minPoints int) (Plane, error) {
	if minPoints < 3 {
		minPoints = 3
	}
	n := len(points)
	if n < minPoints {
		return Plane{}, fmt.Errorf("%w: have %d, need %d", ErrTooFewPoints, n, minPoints)
	}

	var centroid r3.Vector
	for _, p := range points {
		centroid = centroid.Add(p)
	}
	centroid = centroid.Mul(1 / float64(n))

	cov := mat.NewSymDense(3, nil)
	for _, p := range points {
		d := p.Sub(centroid)
		v := [3]float64{d.X, d.Y, d.Z}
		for i := 0; i < 3; i++ {
			for j := i; j < 3; j++ {
				cov.SetSym(i, j, cov.At(i, j)+v[i]*v[j]/float64(n))
			}
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return Plane{}, errors.New("plane fit: eigen decomposition failed")
	}
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// 特征值升序，第 0 列为法向
	normal := r3.Vector{X: vectors.At(0, 0), Y: vectors.At(1, 0), Z: vectors.At(2, 0)}.Normalize()
	if normal.Dot(centroid.Mul(-1)) < 0 {
		normal = normal.Mul(-1)
	}

	plane := Plane{
		Normal:   normal,
		D:        -normal.Dot(centroid),
		Centroid: centroid,
		Points:   n,
	}

	var sq float64
	for _, p := range points {
		d := plane.Distance(p)
		sq += d * d
	}
	plane.RMS = math.Sqrt(sq / float64(n))

	return plane, nil
}

// Distance 点到平面的有符号距离
func (pl Plane) Distance(p r3.Vector) float64 {
	return pl.Normal.Dot(p) + pl.D
}
