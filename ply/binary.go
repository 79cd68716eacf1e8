package ply

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/chenzhekl/goply"
	"github.com/golang/geo/r3"
)

var errShortBody = io.ErrUnexpectedEOF

// field 预先解析的属性布局，逐行读取时不再查表
type field struct {
	name      string
	typ       string
	size      int // 标量字节数；列表为单个元素的字节数
	list      bool
	countType string
	countSize int
	axis      int // 0/1/2 对应 x/y/z，-1 表示不需要
}

func layout(e ElementDecl) ([]field, error) {
	fields := make([]field, len(e.Properties))
	for i, p := range e.Properties {
		size, ok := scalarSizes[p.Type]
		if !ok {
			return nil, fmt.Errorf("unknown property type %q", p.Type)
		}
		f := field{name: p.Name, typ: p.Type, size: size, list: p.List, axis: -1}
		if p.List {
			f.countType = p.CountType
			if f.countSize, ok = scalarSizes[p.CountType]; !ok {
				return nil, fmt.Errorf("unknown list length type %q", p.CountType)
			}
		}
		switch p.Name {
		case "x":
			f.axis = 0
		case "y":
			f.axis = 1
		case "z":
			f.axis = 2
		}
		fields[i] = f
	}
	return fields, nil
}

// cursor 在二进制数据体上顺序读取
type cursor struct {
	buf   []byte
	off   int
	order binary.ByteOrder
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

func (c *cursor) advance(n int) error {
	if n > c.remaining() {
		return errShortBody
	}
	c.off += n
	return nil
}

func (c *cursor) scalar(typ string, size int) (float64, error) {
	if size > c.remaining() {
		return 0, errShortBody
	}
	b := c.buf[c.off : c.off+size]
	c.off += size

	switch typ {
	case "char", "int8":
		return float64(int8(b[0])), nil
	case "uchar", "uint8":
		return float64(b[0]), nil
	case "short", "int16":
		return float64(int16(c.order.Uint16(b))), nil
	case "ushort", "uint16":
		return float64(c.order.Uint16(b)), nil
	case "int", "int32":
		return float64(int32(c.order.Uint32(b))), nil
	case "uint", "uint32":
		return float64(c.order.Uint32(b)), nil
	case "float", "float32":
		return float64(math.Float32frombits(c.order.Uint32(b))), nil
	default:
		return math.Float64frombits(c.order.Uint64(b)), nil
	}
}

func (c *cursor) listLen(f field) (int, error) {
	n, err := c.scalar(f.countType, f.countSize)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > float64(c.remaining()/f.size) {
		return 0, fmt.Errorf("bad list length %v", n)
	}
	return int(n), nil
}

// rowsFit 行数不得超过剩余字节能容纳的上限，否则不预分配
func (c *cursor) rowsFit(e ElementDecl, fields []field) error {
	row := 0
	for _, f := range fields {
		if f.list {
			row += f.countSize
		} else {
			row += f.size
		}
	}
	if row > 0 && e.Count > c.remaining()/row {
		return errShortBody
	}
	return nil
}

// readBinary 按文件头逐元素读取二进制数据体。vertex 只解码 x/y/z 并直接写入点集；
// 标定记录转为 goply.PlyElement 行，与 ascii 路径共用解析逻辑；其余元素跳过
func readBinary(data []byte, h Header) ([]r3.Vector, map[string][]goply.PlyElement, error) {
	c := &cursor{buf: data[h.Size:], order: binary.LittleEndian}
	if h.Format == "binary_big_endian" {
		c.order = binary.BigEndian
	}

	var points []r3.Vector
	records := make(map[string][]goply.PlyElement)

	for _, e := range h.Elements {
		fields, err := layout(e)
		if err == nil {
			err = c.rowsFit(e, fields)
		}
		if err == nil {
			switch {
			case e.Name == "vertex":
				points, err = c.vertices(e, fields)
			case isAuxiliary(e.Name):
				records[e.Name], err = c.rows(e, fields)
			default:
				err = c.skip(e, fields)
			}
		}
		if err != nil {
			if errors.Is(err, errShortBody) {
				err = errors.New("body is truncated")
			}
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrMalformed, e.Name, err)
		}
	}
	return points, records, nil
}

func (c *cursor) vertices(e ElementDecl, fields []field) ([]r3.Vector, error) {
	var seen [3]bool
	for _, f := range fields {
		if f.axis >= 0 && !f.list {
			seen[f.axis] = true
		}
	}
	if !seen[0] || !seen[1] || !seen[2] {
		return nil, errors.New("no x/y/z properties")
	}

	points := make([]r3.Vector, e.Count)
	for i := range points {
		var v [3]float64
		for _, f := range fields {
			var err error
			switch {
			case f.list:
				var n int
				if n, err = c.listLen(f); err == nil {
					err = c.advance(n * f.size)
				}
			case f.axis < 0:
				err = c.advance(f.size)
			default:
				v[f.axis], err = c.scalar(f.typ, f.size)
			}
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
		}
		points[i] = r3.Vector{X: v[0], Y: v[1], Z: v[2]}
	}
	return points, nil
}

func (c *cursor) rows(e ElementDecl, fields []field) ([]goply.PlyElement, error) {
	rows := make([]goply.PlyElement, e.Count)
	for i := range rows {
		row := make(goply.PlyElement, len(fields))
		for _, f := range fields {
			if !f.list {
				v, err := c.scalar(f.typ, f.size)
				if err != nil {
					return nil, fmt.Errorf("row %d: %w", i, err)
				}
				row[f.name] = v
				continue
			}
			n, err := c.listLen(f)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			items := make([]interface{}, n)
			for j := range items {
				if items[j], err = c.scalar(f.typ, f.size); err != nil {
					return nil, fmt.Errorf("row %d: %w", i, err)
				}
			}
			row[f.name] = items
		}
		rows[i] = row
	}
	return rows, nil
}

func (c *cursor) skip(e ElementDecl, fields []field) error {
	for i := 0; i < e.Count; i++ {
		for _, f := range fields {
			n := 1
			if f.list {
				var err error
				if n, err = c.listLen(f); err != nil {
					return err
				}
			}
			if err := c.advance(n * f.size); err != nil {
				return err
			}
		}
	}
	return nil
}
