package mask

import (
	"image"
)

const (
	// Floor 掩码中地板像素的取值
	Floor uint8 = 255
	// Background 掩码中非地板像素的取值
	Background uint8 = 0
	// threshold 大于该值视为地板（8位编码的中点）
	threshold uint8 = 127
)

// ClassMap 语义分割输出，每个像素一个类别ID，行优先存储
type ClassMap struct {
	Width  int
	Height int
	IDs    []int
}

// NewClassMap 创建指定尺寸的类别图，所有像素为类别0
func NewClassMap(width, height int) *ClassMap {
	if width < 0 || height < 0 {
		width, height = 0, 0
	}
	return &ClassMap{
		Width:  width,
		Height: height,
		IDs:    make([]int, width*height),
	}
}

// At 返回 (x, y) 处的类别ID
func (c *ClassMap) At(x, y int) int {
	return c.IDs[y*c.Width+x]
}

// Set 设置 (x, y) 处的类别ID
func (c *ClassMap) Set(x, y, id int) {
	c.IDs[y*c.Width+x] = id
}

// Empty 判断类别图是否为空
func (c *ClassMap) Empty() bool {
	return c == nil || c.Width == 0 || c.Height == 0 || len(c.IDs) == 0
}

// ClassSet 可配置的类别集合，例如 {floor, rug}
type ClassSet map[int]struct{}

// NewClassSet 由类别ID列表创建集合
func NewClassSet(ids ...int) ClassSet {
	set := make(ClassSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Contains 判断类别是否在集合中
func (s ClassSet) Contains(id int) bool {
	_, ok := s[id]
	return ok
}

// FloorMask 与原图同尺寸的二值掩码，取值为 0 或 255
type FloorMask struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewFloorMask 创建全部为背景的掩码
func NewFloorMask(width, height int) *FloorMask {
	if width < 0 || height < 0 {
		width, height = 0, 0
	}
	return &FloorMask{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height),
	}
}

// Build 根据类别集合对类别图做阈值化：mask[p] = classMap[p] ∈ set
func Build(classMap *ClassMap, set ClassSet) *FloorMask {
	if classMap.Empty() {
		return NewFloorMask(0, 0)
	}

	m := NewFloorMask(classMap.Width, classMap.Height)
	for i, id := range classMap.IDs {
		if set.Contains(id) {
			m.Pix[i] = Floor
		}
	}
	return m
}

// At 判断 (x, y) 是否为地板，越界返回 false
func (m *FloorMask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Pix[y*m.Width+x] > threshold
}

// Set 设置 (x, y) 的地板状态
func (m *FloorMask) Set(x, y int, floor bool) {
	v := Background
	if floor {
		v = Floor
	}
	m.Pix[y*m.Width+x] = v
}

// Empty 判断掩码是否为空
func (m *FloorMask) Empty() bool {
	return m == nil || m.Width == 0 || m.Height == 0
}

// Count 统计地板像素数
func (m *FloorMask) Count() int {
	count := 0
	for _, v := range m.Pix {
		if v > threshold {
			count++
		}
	}
	return count
}

// Coverage 地板像素占比，空掩码为 0
func (m *FloorMask) Coverage() float64 {
	if m.Empty() {
		return 0
	}
	return float64(m.Count()) / float64(len(m.Pix))
}

// Bools 按行优先返回布尔网格
func (m *FloorMask) Bools() []bool {
	out := make([]bool, len(m.Pix))
	for i, v := range m.Pix {
		out[i] = v > threshold
	}
	return out
}

// Image 返回共享像素的灰度图视图
func (m *FloorMask) Image() *image.Gray {
	return &image.Gray{
		Pix:    m.Pix,
		Stride: m.Width,
		Rect:   image.Rect(0, 0, m.Width, m.Height),
	}
}

// FromImage 将任意图像按亮度中点二值化为掩码
func FromImage(img image.Image) *FloorMask {
	b := img.Bounds()
	m := NewFloorMask(b.Dx(), b.Dy())
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			r, _, _, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			m.Set(x, y, uint8(r>>8) > threshold)
		}
	}
	return m
}
