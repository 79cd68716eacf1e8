package ply

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/golang/geo/r3"
)

// Fixture 描述一个用于测试的 binary_little_endian PLY 文件
type Fixture struct {
	Points    []r3.Vector
	Intrinsic []float32
	Extrinsic []float32
	ImageSize []uint32
	// OmitVertex 不写 vertex 元素
	OmitVertex bool
}

// Bytes 按重建程序的输出布局编码 PLY，vertex 附带一个 opacity 属性
func (f Fixture) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString("ply\nformat binary_little_endian 1.0\n")
	if !f.OmitVertex {
		fmt.Fprintf(&buf, "element vertex %d\n", len(f.Points))
		buf.WriteString("property float x\nproperty float y\nproperty float z\nproperty float opacity\n")
	}
	if f.Extrinsic != nil {
		fmt.Fprintf(&buf, "element %s %d\nproperty float %s\n", RecordExtrinsic, len(f.Extrinsic), RecordExtrinsic)
	}
	if f.Intrinsic != nil {
		fmt.Fprintf(&buf, "element %s %d\nproperty float %s\n", RecordIntrinsic, len(f.Intrinsic), RecordIntrinsic)
	}
	if f.ImageSize != nil {
		fmt.Fprintf(&buf, "element %s %d\nproperty uint %s\n", RecordImageSize, len(f.ImageSize), RecordImageSize)
	}
	buf.WriteString("end_header\n")

	put := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	if !f.OmitVertex {
		for _, p := range f.Points {
			put(float32(p.X))
			put(float32(p.Y))
			put(float32(p.Z))
			put(float32(1))
		}
	}
	for _, v := range f.Extrinsic {
		put(v)
	}
	for _, v := range f.Intrinsic {
		put(v)
	}
	for _, v := range f.ImageSize {
		put(v)
	}
	return buf.Bytes()
}

// PinholeIntrinsic 按行优先 [fx,0,cx,0,fy,cy,0,0,1] 排列内参
func PinholeIntrinsic(fx, fy, cx, cy float32) []float32 {
	return []float32{fx, 0, cx, 0, fy, cy, 0, 0, 1}
}

// IdentityExtrinsic 相机位于原点的 4x4 外参
func IdentityExtrinsic() []float32 {
	return []float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
}
