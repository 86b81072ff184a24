package access

import (
	"context"
	"errors"
)

// Need 访问级别
type Need int

const (
	NeedView Need = iota
	NeedEdit
)

func (n Need) String() string {
	if n == NeedEdit {
		return "EDIT"
	}
	return "VIEW"
}

var ErrAccessDenied = errors.New("ACCESS_DENIED")

// Checker 项目访问控制钩子。
// 真正的权限系统是外部协作方，这里只声明契约；
// 默认实现放行所有请求，接入方用自己的实现替换即可。
type Checker interface {
	EnsureAccess(ctx context.Context, userID uint64, projectID string, need Need) error
}

// AllowAll 默认实现：不做任何校验
type AllowAll struct{}

func (AllowAll) EnsureAccess(ctx context.Context, userID uint64, projectID string, need Need) error {
	return nil
}
