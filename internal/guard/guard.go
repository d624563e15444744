// Package guard 提供按操作类别划分的重入保护。
//
// 执行模型是全串行的：组件内部用互斥锁保证同一时刻只有一个变更操作在
// 执行。锁无法防御的唯一并发隐患是重入——某个操作在持锁期间调用外部
// 协作者（如价值转账），协作者又在同一调用链上回调同类变更操作。guard
// 在进入操作时给上下文打上类别标记，嵌套调用在尝试加锁之前就会被拒绝，
// 既避免了状态破坏也避免了自我死锁。
package guard

import (
	"context"

	xerrors "AgentMesh/internal/errors"
)

// Class 表示一类互斥的变更操作，通常对应一个核心组件。
type Class string

const (
	ClassDirectory Class = "directory"
	ClassMarket    Class = "market"
	ClassRelay     Class = "relay"
)

type classKey Class

// Enter 给上下文打上操作类别标记。若该类别已在当前调用链上，说明发生
// 了重入，返回 REENTRANT_CALL 错误。
func Enter(ctx context.Context, class Class) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if active, ok := ctx.Value(classKey(class)).(bool); ok && active {
		return ctx, xerrors.New(xerrors.CodeReentrantCall, "",
			xerrors.WithMetadata("class", string(class)))
	}
	return context.WithValue(ctx, classKey(class), true), nil
}

// Entered 判断上下文是否已处于指定操作类别中。
func Entered(ctx context.Context, class Class) bool {
	if ctx == nil {
		return false
	}
	active, ok := ctx.Value(classKey(class)).(bool)
	return ok && active
}
