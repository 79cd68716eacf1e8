package ply

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrMalformed PLY 文件头或数据损坏
	ErrMalformed = errors.New("malformed ply file")
	// ErrNoVertexTable PLY 文件中没有 vertex 元素
	ErrNoVertexTable = errors.New("ply file has no vertex table")
)

// 文件头最多扫描的行数，防止把二进制数据当作文件头读取
const maxHeaderLines = 4096

// Property PLY 属性声明；List 为 true 时 Type 是元素类型，CountType 是长度类型
type Property struct {
	Name      string
	Type      string
	List      bool
	CountType string
}

// ElementDecl PLY 元素声明
type ElementDecl struct {
	Name       string
	Count      int
	Properties []Property
}

// Header PLY 文件头
type Header struct {
	Format   string
	Version  string
	Comments []string
	Elements []ElementDecl
	// Size 文件头字节长度（包含 end_header 行）
	Size int
}

// Element 按名称查找元素声明
func (h Header) Element(name string) (ElementDecl, bool) {
	for _, e := range h.Elements {
		if e.Name == name {
			return e, true
		}
	}
	return ElementDecl{}, false
}

// Count 返回元素声明的数量
func (h Header) Count(name string) (int, bool) {
	e, ok := h.Element(name)
	return e.Count, ok
}

// ParseHeader 解析 PLY 文件头，不读取数据体
func ParseHeader(data []byte) (Header, error) {
	var h Header
	reader := bufio.NewReader(bytes.NewReader(data))

	for line := 0; line < maxHeaderLines; line++ {
		raw, err := reader.ReadString('\n')
		h.Size += len(raw)
		text := strings.TrimSpace(raw)

		if line == 0 {
			if text != "ply" {
				return Header{}, fmt.Errorf("%w: missing ply magic", ErrMalformed)
			}
		} else if done, perr := parseHeaderLine(text, &h); perr != nil {
			return Header{}, perr
		} else if done {
			return h, nil
		}

		if err != nil {
			break
		}
	}

	return Header{}, fmt.Errorf("%w: missing end_header", ErrMalformed)
}

func parseHeaderLine(text string, h *Header) (bool, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false, nil
	}

	switch fields[0] {
	case "end_header":
		return true, nil
	case "format":
		if len(fields) != 3 {
			return false, fmt.Errorf("%w: bad format line %q", ErrMalformed, text)
		}
		h.Format, h.Version = fields[1], fields[2]
	case "comment", "obj_info":
		h.Comments = append(h.Comments, strings.TrimSpace(strings.TrimPrefix(text, fields[0])))
	case "element":
		if len(fields) != 3 {
			return false, fmt.Errorf("%w: bad element line %q", ErrMalformed, text)
		}
		count, err := strconv.Atoi(fields[2])
		if err != nil || count < 0 {
			return false, fmt.Errorf("%w: bad element count %q", ErrMalformed, fields[2])
		}
		h.Elements = append(h.Elements, ElementDecl{Name: fields[1], Count: count})
	case "property":
		if len(h.Elements) == 0 {
			return false, fmt.Errorf("%w: property before element", ErrMalformed)
		}
		prop, err := parseProperty(fields)
		if err != nil {
			return false, err
		}
		last := &h.Elements[len(h.Elements)-1]
		last.Properties = append(last.Properties, prop)
	default:
		return false, fmt.Errorf("%w: unknown header keyword %q", ErrMalformed, fields[0])
	}
	return false, nil
}

func parseProperty(fields []string) (Property, error) {
	if len(fields) >= 2 && fields[1] == "list" {
		if len(fields) != 5 {
			return Property{}, fmt.Errorf("%w: bad list property", ErrMalformed)
		}
		return Property{Name: fields[4], Type: fields[3], List: true, CountType: fields[2]}, nil
	}
	if len(fields) != 3 {
		return Property{}, fmt.Errorf("%w: bad property", ErrMalformed)
	}
	return Property{Name: fields[2], Type: fields[1]}, nil
}

var scalarSizes = map[string]int{
	"char": 1, "uchar": 1, "int8": 1, "uint8": 1,
	"short": 2, "ushort": 2, "int16": 2, "uint16": 2,
	"int": 4, "uint": 4, "int32": 4, "uint32": 4,
	"float": 4, "float32": 4,
	"double": 8, "float64": 8,
}

// BodySize 二进制格式下数据体的字节数；ascii、含 list 属性或溢出时无法静态计算
func (h Header) BodySize() (int, bool) {
	if h.Format == "ascii" {
		return 0, false
	}
	total := 0
	for _, e := range h.Elements {
		row := 0
		for _, p := range e.Properties {
			size, ok := scalarSizes[p.Type]
			if p.List || !ok {
				return 0, false
			}
			row += size
		}
		if e.Count > 0 && row > (math.MaxInt-total)/e.Count {
			return 0, false
		}
		total += row * e.Count
	}
	return total, true
}

// minRowSize 一行至少占用的字节数。二进制列表按长度字段计；
// ascii 每个值至少一个字符加一个分隔符，空行也占一个换行符
func (h Header) minRowSize(e ElementDecl) int {
	if h.Format == "ascii" {
		return max(2*len(e.Properties), 1)
	}
	size := 0
	for _, p := range e.Properties {
		t := p.Type
		if p.List {
			t = p.CountType
		}
		size += scalarSizes[t]
	}
	return max(size, 1)
}

// CheckCounts 校验各元素声明的行数不超过数据体能容纳的上限，
// 避免按损坏的文件头分配内存
func (h Header) CheckCounts(bodyLen int) error {
	remaining := bodyLen
	for _, e := range h.Elements {
		row := h.minRowSize(e)
		if limit := remaining / row; e.Count > limit {
			return fmt.Errorf("%w: element %s declares %d rows, body holds at most %d",
				ErrMalformed, e.Name, e.Count, limit)
		}
		remaining -= e.Count * row
	}
	return nil
}

// RecoverableVertexCount 依据文件头返回顶点数，上限为数据体能容纳的行数；
// 文件头无法解析时返回 0
func RecoverableVertexCount(data []byte) int {
	h, err := ParseHeader(data)
	if err != nil {
		return 0
	}
	e, ok := h.Element("vertex")
	if !ok {
		return 0
	}
	return min(e.Count, (len(data)-h.Size)/h.minRowSize(e))
}
