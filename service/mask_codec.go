package service

import (
	"errors"
	"fmt"

	"github.com/TIANLI0/SplatKit/mask"
	"gocv.io/x/gocv"
)

// EncodeMaskPNG 将掩码编码为单通道 PNG（无损），空掩码返回 nil
func EncodeMaskPNG(m *mask.FloorMask) ([]byte, error) {
	if m.Empty() {
		return nil, nil
	}

	mat, err := gocv.NewMatFromBytes(m.Height, m.Width, gocv.MatTypeCV8U, m.Pix)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap mask: %w", err)
	}
	defer mat.Close()

	buf, err := gocv.IMEncode(gocv.PNGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mask: %w", err)
	}
	defer buf.Close()

	return append([]byte(nil), buf.GetBytes()...), nil
}

// DecodeMaskPNG 解码 PNG 掩码，按中点阈值二值化
func DecodeMaskPNG(data []byte) (*mask.FloorMask, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadGrayScale)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mask: %w", err)
	}
	defer mat.Close()

	if mat.Empty() {
		return nil, errors.New("failed to decode mask: empty image")
	}

	binary := gocv.NewMat()
	defer binary.Close()
	gocv.Threshold(mat, &binary, 127, 255, gocv.ThresholdBinary)

	m := mask.NewFloorMask(binary.Cols(), binary.Rows())
	copy(m.Pix, binary.ToBytes())
	return m, nil
}
