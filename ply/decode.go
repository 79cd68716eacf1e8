package ply

import (
	"bytes"
	"fmt"

	"github.com/chenzhekl/goply"
	"github.com/golang/geo/r3"
	"github.com/spf13/cast"
)

// 重建输出中嵌入的相机标定记录
const (
	RecordIntrinsic = "intrinsic"
	RecordExtrinsic = "extrinsic"
	RecordImageSize = "image_size"
)

var auxiliaryRecords = []string{RecordIntrinsic, RecordExtrinsic, RecordImageSize}

// Cloud 解码后的点云，仅保留投影所需字段
type Cloud struct {
	Header  Header
	Points  []r3.Vector
	Records map[string][]float64
}

// VertexCount 返回点数
func (c *Cloud) VertexCount() int {
	if c == nil {
		return 0
	}
	return len(c.Points)
}

// Record 返回辅助记录，不存在时 ok 为 false
func (c *Cloud) Record(name string) ([]float64, bool) {
	if c == nil {
		return nil, false
	}
	values, ok := c.Records[name]
	return values, ok
}

// Decode 解析 PLY 数据：位置取自 vertex 表，标定取自 intrinsic/extrinsic/image_size 元素
func Decode(data []byte) (*Cloud, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	vertexDecl, ok := header.Element("vertex")
	if !ok {
		return nil, ErrNoVertexTable
	}

	bodyLen := len(data) - header.Size
	if err := header.CheckCounts(bodyLen); err != nil {
		return nil, err
	}
	if size, ok := header.BodySize(); ok && bodyLen < size {
		return nil, fmt.Errorf("%w: body has %d bytes, header requires %d",
			ErrMalformed, bodyLen, size)
	}

	var (
		points   []r3.Vector
		elements map[string][]goply.PlyElement
	)
	switch header.Format {
	case "ascii":
		elements, err = readASCII(data, header)
		if err == nil {
			points, err = asciiPoints(elements["vertex"])
		}
	case "binary_little_endian", "binary_big_endian":
		points, elements, err = readBinary(data, header)
	default:
		err = fmt.Errorf("%w: unsupported format %q", ErrMalformed, header.Format)
	}
	if err != nil {
		return nil, err
	}

	cloud := &Cloud{
		Header:  header,
		Points:  points,
		Records: make(map[string][]float64),
	}

	if len(cloud.Points) != vertexDecl.Count {
		return nil, fmt.Errorf("%w: header declares %d vertices, body has %d",
			ErrMalformed, vertexDecl.Count, len(cloud.Points))
	}

	for _, name := range auxiliaryRecords {
		if _, ok := header.Element(name); !ok {
			continue
		}
		values, err := decodeRecord(elements[name], name)
		if err != nil {
			return nil, err
		}
		cloud.Records[name] = values
	}

	return cloud, nil
}

// readASCII 交给 goply 解析；goply 对损坏的数据直接 panic
func readASCII(data []byte, header Header) (elements map[string][]goply.PlyElement, err error) {
	defer func() {
		if r := recover(); r != nil {
			elements = nil
			err = fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()

	parsed := goply.New(bytes.NewReader(data))

	elements = make(map[string][]goply.PlyElement, len(header.Elements))
	for _, e := range header.Elements {
		elements[e.Name] = parsed.Elements(e.Name)
	}
	return elements, nil
}

func asciiPoints(rows []goply.PlyElement) ([]r3.Vector, error) {
	points := make([]r3.Vector, 0, len(rows))
	for i, v := range rows {
		x, errX := cast.ToFloat64E(v["x"])
		y, errY := cast.ToFloat64E(v["y"])
		z, errZ := cast.ToFloat64E(v["z"])
		if errX != nil || errY != nil || errZ != nil {
			return nil, fmt.Errorf("%w: vertex %d has no numeric x/y/z", ErrMalformed, i)
		}
		points = append(points, r3.Vector{X: x, Y: y, Z: z})
	}
	return points, nil
}

func isAuxiliary(name string) bool {
	for _, r := range auxiliaryRecords {
		if r == name {
			return true
		}
	}
	return false
}

// decodeRecord 每个元素取同名属性，只有一个属性时取该属性
func decodeRecord(elements []goply.PlyElement, name string) ([]float64, error) {
	values := make([]float64, 0, len(elements))
	for i, e := range elements {
		raw, ok := e[name]
		if !ok && len(e) == 1 {
			for _, only := range e {
				raw = only
			}
			ok = true
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s[%d] has no %q property", ErrMalformed, name, i, name)
		}
		f, err := cast.ToFloat64E(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%d]: %v", ErrMalformed, name, i, err)
		}
		values = append(values, f)
	}
	return values, nil
}
