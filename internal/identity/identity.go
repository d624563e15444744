package identity

import "strings"

// Identity 表示一次调用的主体身份。核心组件只通过显式传入的
// Identity 判断权限，不依赖任何隐式的环境调用者。
type Identity string

// Zero 是空身份，任何授权检查都不会接受它。
const Zero Identity = ""

// Normalize 去除空白并统一大小写，保证同一身份在比较时相等。
func Normalize(raw string) Identity {
	return Identity(strings.ToLower(strings.TrimSpace(raw)))
}

// IsZero 判断身份是否为空。
func (id Identity) IsZero() bool {
	return strings.TrimSpace(string(id)) == ""
}

// Equal 按值比较两个身份。
func (id Identity) Equal(other Identity) bool {
	return !id.IsZero() && id == other
}

// String 实现 fmt.Stringer。
func (id Identity) String() string {
	return string(id)
}
