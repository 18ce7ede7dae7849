// Package governor 提供内存/磁盘压力的只读探测，供合并流程和负载上报使用。
package governor

import (
	"os"

	"fileflow-go/internal/config"
	"fileflow-go/pkg/log"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// 压力下建议分片大小的下限，再高的压力也不再继续减半。
const minRecommendedChunkSize = 256 * 1024

// Governor 是注入给合并流程和编排服务的资源探测接口。
// 所有方法都是只读查询，不会自行阻塞任何操作。
type Governor interface {
	MemoryUsageRatio() float64
	DiskUsageRatio() float64
	IsMemoryHigh() bool
	IsDiskHigh() bool
	LoadScore(activeSessions int) int
	RecommendedChunkSize(activeSessions int) int64
}

// SystemGovernor 是基于 gopsutil 的 Governor 实现。
// 内存比例以配置的进程内存上限为分母，而不是机器总内存。
type SystemGovernor struct {
	cfg           config.ResourceConfig
	baseChunkSize int64

	// 探测函数可替换，测试时注入固定值。
	memProbe  func() float64
	diskProbe func() float64
}

// NewSystemGovernor 创建一个使用真实系统探测的 SystemGovernor。
func NewSystemGovernor(cfg config.ResourceConfig, baseChunkSize int64) *SystemGovernor {
	g := &SystemGovernor{cfg: cfg, baseChunkSize: baseChunkSize}
	g.memProbe = g.probeProcessMemory
	g.diskProbe = g.probeDisk
	return g
}

// NewGovernorWithProbes 创建一个使用指定探测函数的 SystemGovernor，测试专用。
func NewGovernorWithProbes(cfg config.ResourceConfig, baseChunkSize int64, memProbe, diskProbe func() float64) *SystemGovernor {
	return &SystemGovernor{cfg: cfg, baseChunkSize: baseChunkSize, memProbe: memProbe, diskProbe: diskProbe}
}

// probeProcessMemory 读取当前进程的 RSS 并换算为内存上限的比例。
// 进程信息不可用时退回整机内存占用比例。
func (g *SystemGovernor) probeProcessMemory() float64 {
	limit := float64(g.cfg.MemoryLimitMB) * 1024 * 1024
	if limit <= 0 {
		return 0
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if info, err := proc.MemoryInfo(); err == nil {
			return float64(info.RSS) / limit
		}
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Warnf("内存探测失败: %v", err)
		return 0
	}
	return vm.UsedPercent / 100
}

// probeDisk 读取存储挂载点的磁盘占用比例。
func (g *SystemGovernor) probeDisk() float64 {
	path := g.cfg.DiskPath
	if path == "" {
		path = "/"
	}
	usage, err := disk.Usage(path)
	if err != nil {
		log.Warnf("磁盘探测失败: %v", err)
		return 0
	}
	return usage.UsedPercent / 100
}

// MemoryUsageRatio 返回当前进程内存 / 配置上限。
func (g *SystemGovernor) MemoryUsageRatio() float64 {
	return g.memProbe()
}

// DiskUsageRatio 返回存储挂载点的磁盘占用比例。
func (g *SystemGovernor) DiskUsageRatio() float64 {
	return g.diskProbe()
}

// IsMemoryHigh 报告内存占用是否越过高水位线。合并流程据此中止。
func (g *SystemGovernor) IsMemoryHigh() bool {
	return g.MemoryUsageRatio() >= g.cfg.MemoryHighWatermark
}

// IsDiskHigh 报告磁盘占用是否越过高水位线。
func (g *SystemGovernor) IsDiskHigh() bool {
	return g.DiskUsageRatio() >= g.cfg.DiskHighWatermark
}

// LoadScore 返回 0..100 的综合负载评分，仅用于上报和分片大小建议。
// 权重：内存最高，其次活跃会话数，最后磁盘。
func (g *SystemGovernor) LoadScore(activeSessions int) int {
	return Score(activeSessions, g.MemoryUsageRatio(), g.DiskUsageRatio())
}

// Score 是负载评分的纯函数形式。
func Score(activeSessions int, memRatio, diskRatio float64) int {
	sessionRatio := float64(activeSessions) / 100
	if sessionRatio > 1 {
		sessionRatio = 1
	}
	score := memRatio*50 + sessionRatio*30 + diskRatio*20
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return int(score)
}

// RecommendedChunkSize 返回建议客户端使用的分片大小。
// 内存或会话压力高时减半；这只是返回给客户端的建议，服务端不强制执行。
func (g *SystemGovernor) RecommendedChunkSize(activeSessions int) int64 {
	return Recommend(g.baseChunkSize, g.MemoryUsageRatio(), g.cfg.MemoryHighWatermark, activeSessions)
}

// Recommend 是分片大小建议的纯函数形式。
func Recommend(base int64, memRatio, memHighWatermark float64, activeSessions int) int64 {
	size := base
	if memRatio >= memHighWatermark || activeSessions > 50 {
		size /= 2
	}
	if memRatio >= memHighWatermark && activeSessions > 50 {
		size /= 2
	}
	if size < minRecommendedChunkSize {
		size = minRecommendedChunkSize
	}
	return size
}
