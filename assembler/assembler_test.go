package assembler

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TIANLI0/SplatKit/camera"
	"github.com/TIANLI0/SplatKit/mask"
	"github.com/TIANLI0/SplatKit/ply"
	"github.com/TIANLI0/SplatKit/projector"
)

func TestAssemble_MissingIntrinsicsDegrades(t *testing.T) {
	points := make([]r3.Vector, 10)
	for i := range points {
		points[i] = r3.Vector{Z: 2}
	}
	m := mask.NewFloorMask(512, 512)
	params := camera.Params{ImageSize: &camera.ImageSize{Width: 512, Height: 512}}

	floor, err := projector.NewPointProjector(0).Project(projector.Input{Mask: m, Points: points, Camera: params})

	result := Assemble(Input{
		Strategy:   projector.StrategyPoint,
		Points:     points,
		PointCount: len(points),
		Camera:     params,
		Floor:      Classification{Mask: m, Points: floor, Err: err},
	})

	assert.Equal(t, make([]bool, 10), result.FloorMask3D)
	assert.Equal(t, 0.0, result.FloorCoverage3D)
	assert.True(t, result.Degraded)
	require.Len(t, result.Notes, 1)
	assert.Contains(t, result.Notes[0], "floor classification degraded")
	assert.Nil(t, result.FloorPlane)
}

func TestAssemble_ZeroVertexCloud(t *testing.T) {
	cloud, err := ply.Decode(ply.Fixture{
		Intrinsic: ply.PinholeIntrinsic(500, 500, 2, 2),
		ImageSize: []uint32{4, 4},
	}.Bytes())
	require.NoError(t, err)
	params, err := camera.Extract(cloud)
	require.NoError(t, err)
	m := mask.NewFloorMask(4, 4)

	floor, err := projector.NewPointProjector(0).Project(projector.Input{Mask: m, Points: cloud.Points, Camera: params})
	require.NoError(t, err)

	result := Assemble(Input{
		Strategy:   projector.StrategyPoint,
		Points:     cloud.Points,
		PointCount: cloud.VertexCount(),
		Camera:     params,
		Floor:      Classification{Mask: m, Points: floor},
	})

	assert.Equal(t, []bool{}, result.FloorMask3D)
	assert.Equal(t, 0.0, result.FloorCoverage3D)
	assert.False(t, result.Degraded)

	raw, err := json.Marshal(result)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"floor_mask_3d":[]`)
}

func TestAssemble_MalformedCloudUsesRecoverableCount(t *testing.T) {
	perr := &projector.ProjectionError{
		Kind:   projector.KindMalformedCloud,
		Points: 7,
		Err:    ply.ErrMalformed,
	}

	result := Assemble(Input{
		Strategy:   projector.StrategyPoint,
		PointCount: 7,
		Floor:      Classification{Mask: mask.NewFloorMask(2, 2), Err: perr},
	})

	assert.Len(t, result.FloorMask3D, 7)
	assert.Equal(t, 0, result.NumFloorPoints)
	assert.True(t, result.Degraded)
}

func TestAssemble_PlainErrorFallsBackToPointCount(t *testing.T) {
	result := Assemble(Input{
		Strategy:   projector.StrategyPoint,
		PointCount: 3,
		Floor:      Classification{Err: errors.New("boom")},
	})

	assert.Equal(t, []bool{false, false, false}, result.FloorMask3D)
}

func TestAssemble_CoverageAndPlane(t *testing.T) {
	m := mask.NewFloorMask(2, 2)
	m.Set(0, 0, true)
	points := []r3.Vector{
		{X: 0, Y: 1, Z: 1},
		{X: 1, Y: 1, Z: 1},
		{X: 0, Y: 1, Z: 2},
		{X: 0, Y: -3, Z: 4},
	}

	result := Assemble(Input{
		MD5:            "abc",
		Width:          2,
		Height:         2,
		Strategy:       projector.StrategyPoint,
		Points:         points,
		PointCount:     len(points),
		FloorMaskPNG:   []byte{0x89, 'P', 'N', 'G'},
		Floor:          Classification{Mask: m, Points: projector.PointMask{true, true, true, false}},
		Wall:           &Classification{Mask: mask.NewFloorMask(2, 2), Points: projector.PointMask{false, false, false, true}},
		PlaneMinPoints: 3,
		Now:            time.Unix(1700000000, 0),
	})

	assert.Equal(t, "abc", result.MD5)
	assert.Equal(t, 0.25, result.FloorCoverage2D)
	assert.Equal(t, 0.75, result.FloorCoverage3D)
	assert.Equal(t, 3, result.NumFloorPoints)
	assert.Equal(t, 0.25, result.WallCoverage3D)
	assert.Equal(t, 1, result.NumWallPoints)
	assert.Equal(t, int64(1700000000), result.Timestamp)
	assert.False(t, result.Degraded)

	require.NotNil(t, result.FloorPlane)
	assert.InDelta(t, -1, result.FloorPlane.Normal.Y, 1e-9)
	assert.Equal(t, 3, result.FloorPlane.Points)
}

func TestAssemble_GridLengthMismatchNoted(t *testing.T) {
	g := &projector.GridProjector{InternalWidth: 4, InternalHeight: 4, Stride: 2, Layers: 2}
	floor, err := g.Project(projector.Input{Mask: mask.NewFloorMask(4, 4)})
	require.NoError(t, err)
	info := g.Info()

	result := Assemble(Input{
		Strategy:   projector.StrategyGrid,
		PointCount: 5,
		Grid:       &info,
		Floor:      Classification{Points: floor},
	})

	assert.Len(t, result.FloorMask3D, 8)
	assert.False(t, result.Degraded)
	require.Len(t, result.Notes, 1)
	assert.Contains(t, result.Notes[0], "does not match reconstructed point count 5")
	assert.Equal(t, 8, result.GridInfo.ExpectedPoints)
}
