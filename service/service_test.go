package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/TIANLI0/SplatKit/config"
	"github.com/TIANLI0/SplatKit/mask"
	"github.com/TIANLI0/SplatKit/ply"
	"github.com/TIANLI0/SplatKit/projector"
)

type fakeSegmenter struct {
	classMap func(w, h int) *mask.ClassMap
	err      error
}

func (f *fakeSegmenter) Segment(_ context.Context, img gocv.Mat) (*mask.ClassMap, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.classMap(img.Cols(), img.Rows()), nil
}

type fakeReconstructor struct {
	data       []byte
	candidates int
	err        error
}

func (f *fakeReconstructor) Reconstruct(_ context.Context, _ []byte) (*Reconstruction, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &Reconstruction{PLY: f.data, File: "scene.ply", Candidates: max(f.candidates, 1)}, nil
}

// bottomHalfFloor 下半部分为地板(3)，上半部分为墙面(0)以外的类别
func bottomHalfFloor(w, h int) *mask.ClassMap {
	cm := mask.NewClassMap(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if y >= h/2 {
				cm.Set(x, y, 3)
			} else {
				cm.Set(x, y, 0)
			}
		}
	}
	return cm
}

func testImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	defer img.Close()
	buf, err := gocv.IMEncode(gocv.PNGFileExt, img)
	require.NoError(t, err)
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Reconstruction.MaxConcurrent = 1
	cfg.Reconstruction.QueueTimeout = 50 * time.Millisecond
	cfg.Projection.PlaneMinPoints = 3
	return cfg
}

func roomFixture() ply.Fixture {
	return ply.Fixture{
		Points: []r3.Vector{
			{X: 0, Y: 1, Z: 5},
			{X: 0, Y: -1, Z: 5},
			{X: 0, Y: 0, Z: -1},
			{X: 100, Y: 1, Z: 1},
		},
		Intrinsic: ply.PinholeIntrinsic(32, 32, 32, 32),
		Extrinsic: ply.IdentityExtrinsic(),
		ImageSize: []uint32{64, 64},
	}
}

func TestPipeline_Predict(t *testing.T) {
	p, err := NewPipeline(testConfig(),
		&fakeSegmenter{classMap: bottomHalfFloor},
		&fakeReconstructor{data: roomFixture().Bytes()})
	require.NoError(t, err)

	result, err := p.Predict(context.Background(), testImage(t, 64, 64), "md5")
	require.NoError(t, err)

	assert.Equal(t, projector.StrategyPoint, result.Strategy)
	assert.Equal(t, 64, result.Width)
	assert.Equal(t, 4, result.NumPoints)
	if diff := cmp.Diff([]bool{true, false, false, false}, result.FloorMask3D); diff != "" {
		t.Errorf("floor mask mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0.25, result.FloorCoverage3D)
	assert.Equal(t, 0.5, result.FloorCoverage2D)
	assert.Equal(t, []bool{false, true, false, false}, result.WallMask3D)
	assert.False(t, result.Degraded)
	require.NotNil(t, result.CameraParams.Intrinsics)
	assert.Equal(t, 32.0, result.CameraParams.Intrinsics.Fx)

	decoded, err := DecodeMaskPNG(result.FloorMask)
	require.NoError(t, err)
	assert.Equal(t, 64*32, decoded.Count())
}

func TestPipeline_NotesMultiplePLYOutputs(t *testing.T) {
	p, err := NewPipeline(testConfig(),
		&fakeSegmenter{classMap: bottomHalfFloor},
		&fakeReconstructor{data: roomFixture().Bytes(), candidates: 3})
	require.NoError(t, err)

	result, err := p.Predict(context.Background(), testImage(t, 64, 64), "md5")
	require.NoError(t, err)

	assert.Contains(t, result.Notes, "3 ply files found, using scene.ply")
	assert.False(t, result.Degraded)
}

func TestPipeline_MissingCalibrationDegrades(t *testing.T) {
	fixture := roomFixture()
	fixture.Intrinsic = nil
	p, err := NewPipeline(testConfig(),
		&fakeSegmenter{classMap: bottomHalfFloor},
		&fakeReconstructor{data: fixture.Bytes()})
	require.NoError(t, err)

	result, err := p.Predict(context.Background(), testImage(t, 64, 64), "md5")
	require.NoError(t, err)

	assert.Equal(t, make([]bool, 4), result.FloorMask3D)
	assert.True(t, result.Degraded)
	assert.NotEmpty(t, result.PLY, "reconstruction is still delivered")
	assert.Nil(t, result.CameraParams.Intrinsics)
}

func TestPipeline_ResolutionMismatchDegrades(t *testing.T) {
	fixture := roomFixture()
	fixture.ImageSize = []uint32{128, 128}
	p, err := NewPipeline(testConfig(),
		&fakeSegmenter{classMap: bottomHalfFloor},
		&fakeReconstructor{data: fixture.Bytes()})
	require.NoError(t, err)

	result, err := p.Predict(context.Background(), testImage(t, 64, 64), "md5")
	require.NoError(t, err)

	assert.True(t, result.Degraded)
	assert.Equal(t, 0, result.NumFloorPoints)
	assert.Contains(t, result.Notes[0], "resolution")
}

func TestPipeline_MalformedCloudDegrades(t *testing.T) {
	data := roomFixture().Bytes()
	p, err := NewPipeline(testConfig(),
		&fakeSegmenter{classMap: bottomHalfFloor},
		&fakeReconstructor{data: data[:len(data)-10]})
	require.NoError(t, err)

	result, err := p.Predict(context.Background(), testImage(t, 64, 64), "md5")
	require.NoError(t, err)

	assert.True(t, result.Degraded)
	assert.Len(t, result.FloorMask3D, 4)
	assert.Equal(t, 4, result.NumPoints)
}

func TestPipeline_GridStrategy(t *testing.T) {
	cfg := testConfig()
	cfg.Projection.Strategy = projector.StrategyGrid
	cfg.Projection.Grid = config.GridConfig{InternalWidth: 8, InternalHeight: 8, Stride: 2, Layers: 2}
	cfg.Segmentation.WallClassIDs = nil
	p, err := NewPipeline(cfg,
		&fakeSegmenter{classMap: bottomHalfFloor},
		&fakeReconstructor{data: roomFixture().Bytes()})
	require.NoError(t, err)

	result, err := p.Predict(context.Background(), testImage(t, 64, 64), "md5")
	require.NoError(t, err)

	assert.Len(t, result.FloorMask3D, 32)
	assert.Equal(t, 0.5, result.FloorCoverage3D)
	require.NotNil(t, result.GridInfo)
	assert.Equal(t, 32, result.GridInfo.ExpectedPoints)
	assert.Nil(t, result.WallMask3D)
	assert.Contains(t, result.Notes[0], "does not match reconstructed point count 4")
}

func TestPipeline_UpstreamFailuresAreFatal(t *testing.T) {
	boom := errors.New("cuda out of memory")

	t.Run("segmentation", func(t *testing.T) {
		p, err := NewPipeline(testConfig(),
			&fakeSegmenter{err: fmt.Errorf("%w: %v", ErrSegmentationUnavailable, boom)},
			&fakeReconstructor{data: roomFixture().Bytes()})
		require.NoError(t, err)

		_, err = p.Predict(context.Background(), testImage(t, 16, 16), "md5")
		assert.ErrorIs(t, err, ErrSegmentationUnavailable)
	})

	t.Run("reconstruction", func(t *testing.T) {
		p, err := NewPipeline(testConfig(),
			&fakeSegmenter{classMap: bottomHalfFloor},
			&fakeReconstructor{err: ErrNoReconstruction})
		require.NoError(t, err)

		_, err = p.Predict(context.Background(), testImage(t, 16, 16), "md5")
		assert.ErrorIs(t, err, ErrNoReconstruction)
	})

	t.Run("undecodable image", func(t *testing.T) {
		p, err := NewPipeline(testConfig(),
			&fakeSegmenter{classMap: bottomHalfFloor},
			&fakeReconstructor{data: roomFixture().Bytes()})
		require.NoError(t, err)

		_, err = p.Predict(context.Background(), []byte("not an image"), "md5")
		assert.ErrorIs(t, err, ErrInvalidImage)
	})
}

func TestPipeline_QueueFull(t *testing.T) {
	p, err := NewPipeline(testConfig(),
		&fakeSegmenter{classMap: bottomHalfFloor},
		&fakeReconstructor{data: roomFixture().Bytes()})
	require.NoError(t, err)

	p.semaphore <- struct{}{}
	defer func() { <-p.semaphore }()

	_, err = p.Predict(context.Background(), testImage(t, 16, 16), "md5")
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestMaskPNGRoundTrip(t *testing.T) {
	m := mask.NewFloorMask(37, 21)
	for i := range m.Pix {
		if i%3 == 0 || i%7 == 0 {
			m.Pix[i] = mask.Floor
		}
	}

	data, err := EncodeMaskPNG(m)
	require.NoError(t, err)
	back, err := DecodeMaskPNG(data)
	require.NoError(t, err)

	assert.Equal(t, m.Width, back.Width)
	assert.Equal(t, m.Height, back.Height)
	assert.Equal(t, m.Bools(), back.Bools())
}

func TestEncodeMaskPNG_Empty(t *testing.T) {
	data, err := EncodeMaskPNG(mask.NewFloorMask(0, 0))
	assert.NoError(t, err)
	assert.Nil(t, data)
}

func TestArgmaxLabels(t *testing.T) {
	// 3 类，1x2 像素
	data := []float32{
		0.1, 0.9, // class 0
		0.5, 0.2, // class 1
		0.7, 0.1, // class 2
	}

	ids, err := argmaxLabels(data, 3, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0}, ids)

	_, err = argmaxLabels(data, 300, 1, 2)
	assert.Error(t, err)
	_, err = argmaxLabels(data[:4], 3, 1, 2)
	assert.Error(t, err)
}

func TestDNNSegmenter_MissingModel(t *testing.T) {
	s := NewDNNSegmenter(&config.SegmentationConfig{ModelPath: filepath.Join(t.TempDir(), "missing.onnx")})
	defer s.Close()

	img := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC3)
	defer img.Close()

	_, err := s.Segment(context.Background(), img)
	assert.ErrorIs(t, err, ErrSegmentationUnavailable)
}

func shellReconstructor(t *testing.T, script string, timeout time.Duration) *CommandReconstructor {
	t.Helper()
	return NewCommandReconstructor(&config.ReconstructionConfig{
		Binary:           "/bin/sh",
		Args:             []string{"-c", script, "sh", "{input}", "{output}"},
		Timeout:          timeout,
		WorkDir:          t.TempDir(),
		CleanupTempFiles: true,
	})
}

func TestCommandReconstructor_PicksFirstPLY(t *testing.T) {
	fixture := filepath.Join(t.TempDir(), "fixture.ply")
	require.NoError(t, os.WriteFile(fixture, roomFixture().Bytes(), 0o644))

	r := shellReconstructor(t,
		fmt.Sprintf(`test -f "$1/input.jpg" && echo other > "$2/b.ply" && cp %q "$2/a.ply"`, fixture),
		10*time.Second)

	rec, err := r.Reconstruct(context.Background(), []byte("jpeg"))
	require.NoError(t, err)

	assert.Equal(t, "a.ply", rec.File)
	assert.Equal(t, 2, rec.Candidates)
	cloud, err := ply.Decode(rec.PLY)
	require.NoError(t, err)
	assert.Equal(t, 4, cloud.VertexCount())

	entries, err := os.ReadDir(r.cfg.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace removed after the run")
}

func TestCommandReconstructor_Errors(t *testing.T) {
	t.Run("non-zero exit", func(t *testing.T) {
		r := shellReconstructor(t, `echo "model failed" >&2; exit 3`, 10*time.Second)
		_, err := r.Reconstruct(context.Background(), []byte("jpeg"))
		assert.ErrorIs(t, err, ErrReconstructionFailed)
		assert.ErrorContains(t, err, "model failed")
	})

	t.Run("no output", func(t *testing.T) {
		r := shellReconstructor(t, `true`, 10*time.Second)
		_, err := r.Reconstruct(context.Background(), []byte("jpeg"))
		assert.ErrorIs(t, err, ErrNoReconstruction)
	})

	t.Run("timeout", func(t *testing.T) {
		r := shellReconstructor(t, `exec sleep 5`, 50*time.Millisecond)
		_, err := r.Reconstruct(context.Background(), []byte("jpeg"))
		assert.ErrorIs(t, err, ErrReconstructionTimeout)
	})
}
