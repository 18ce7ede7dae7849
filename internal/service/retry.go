package service

import (
	"context"
	"time"
)

// RetryPolicy 描述一次可重试操作的尝试次数与退避节奏。
// 只用于吸收存储层的瞬时抖动；校验类错误不应被包进来重试。
type RetryPolicy struct {
	// MaxAttempts 是最大尝试次数（含首次），小于 1 时按 1 处理。
	MaxAttempts int
	// BaseDelay 是首次重试前的等待时间，之后每次翻倍 (1s, 2s, 4s...)。
	BaseDelay time.Duration
	// Sleep 可替换，测试时注入假时钟。零值使用 time.Sleep。
	Sleep func(time.Duration)
}

// Do 执行 op，失败后按指数退避重试，直到成功、尝试次数耗尽或 ctx 被取消。
// 返回最后一次的错误。
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var err error
	delay := p.BaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = op(); err == nil {
			return nil
		}
		if attempt < attempts {
			sleep(delay)
			delay *= 2
		}
	}
	return err
}
