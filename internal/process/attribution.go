package process

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shirou/gopsutil/v3/process"
)

// Info identifies the process responsible for a file event.
type Info struct {
	Name        string `json:"process_name"`
	PID         int32  `json:"pid"`
	PPID        int32  `json:"ppid"`
	CommandLine string `json:"command_line"`
	User        string `json:"user"`
}

// Attributor resolves a pid to process details.
type Attributor interface {
	Attribute(ctx context.Context, pid int32) Info
}

// Lookup reads process details from the OS. Fields that cannot be read are
// left empty; an error is only returned when the process does not exist.
func Lookup(ctx context.Context, pid int32) (Info, error) {
	info := Info{PID: pid}
	if pid <= 0 {
		return info, fmt.Errorf("invalid pid %d", pid)
	}

	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return info, fmt.Errorf("failed to open process %d: %w", pid, err)
	}

	if name, err := p.NameWithContext(ctx); err == nil {
		info.Name = name
	}
	if ppid, err := p.PpidWithContext(ctx); err == nil {
		info.PPID = ppid
	}
	if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
		info.CommandLine = strings.TrimSpace(cmdline)
	}
	if user, err := p.UsernameWithContext(ctx); err == nil {
		info.User = user
	}
	return info, nil
}

// CachingAttributor memoizes lookups for a short time. Pids are reused by
// the OS, so entries expire.
type CachingAttributor struct {
	logger *slog.Logger
	cache  *expirable.LRU[int32, Info]
	lookup func(context.Context, int32) (Info, error)
}

// NewCachingAttributor creates an attributor holding up to size entries for
// ttl each.
func NewCachingAttributor(size int, ttl time.Duration, logger *slog.Logger) *CachingAttributor {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingAttributor{
		logger: logger,
		cache:  expirable.NewLRU[int32, Info](size, nil, ttl),
		lookup: Lookup,
	}
}

// Attribute returns the process details for pid, or an Info holding only the
// pid when the process is gone.
func (a *CachingAttributor) Attribute(ctx context.Context, pid int32) Info {
	if pid <= 0 {
		return Info{}
	}
	if info, ok := a.cache.Get(pid); ok {
		return info
	}

	info, err := a.lookup(ctx, pid)
	if err != nil {
		a.logger.Debug("Process attribution unavailable", "pid", pid, "error", err)
		return Info{PID: pid}
	}
	a.cache.Add(pid, info)
	return info
}
