package utils

import (
	"github.com/google/uuid"
)

// NewWorkspaceID 生成请求工作目录使用的唯一ID
func NewWorkspaceID() string {
	return uuid.NewString()
}
