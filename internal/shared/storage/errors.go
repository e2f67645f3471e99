// Package storage 定义存储层领域错误
//
// 驱动层负责把底层错误（sql.ErrNoRows、RowsAffected==0 等）转换为这些领域错误，
// 业务层只通过 errors.Is 判断，不感知具体数据库。
package storage

import "errors"

var (
	// ErrNotFound 实体不存在
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 条件更新失败：记录状态已被其他调用者修改
	// 领取失败、重复分配、终态后的取消都返回该错误
	ErrConflict = errors.New("conflict: concurrent modification detected")

	// ErrInvalidTransition 状态转换不在允许的转换表中
	ErrInvalidTransition = errors.New("invalid status transition")
)
