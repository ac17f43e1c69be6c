// Package location 设备定位采样。
package location

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"SiteAttend/pkg/geo"
)

// Provider 设备定位提供方，单次获取可能阻塞，须尊重 ctx
type Provider interface {
	Current(ctx context.Context) (geo.Point, error)
}

// StaticProvider 固定坐标，用于固定岗位或调试
type StaticProvider struct {
	Point geo.Point
}

func (s StaticProvider) Current(ctx context.Context) (geo.Point, error) {
	if err := ctx.Err(); err != nil {
		return geo.Point{}, err
	}
	return s.Point, nil
}

// ReplayProvider 按顺序回放 JSON Lines 坐标文件，读完后停在最后一个点
type ReplayProvider struct {
	points []geo.Point
	next   int
	mu     sync.Mutex
}

func NewReplayProvider(points []geo.Point) (*ReplayProvider, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("replay provider needs at least one point")
	}
	return &ReplayProvider{points: points}, nil
}

// LoadReplayFile 每行一个 {"latitude":..,"longitude":..}，空行和 # 开头的行忽略
func LoadReplayFile(path string) (*ReplayProvider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	defer f.Close()

	var points []geo.Point
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var p geo.Point
		if err := json.Unmarshal([]byte(text), &p); err != nil {
			return nil, fmt.Errorf("replay file line %d: %w", line, err)
		}
		if !p.Valid() {
			return nil, fmt.Errorf("replay file line %d: coordinates out of range", line)
		}
		points = append(points, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read replay file: %w", err)
	}
	return NewReplayProvider(points)
}

func (r *ReplayProvider) Current(ctx context.Context) (geo.Point, error) {
	if err := ctx.Err(); err != nil {
		return geo.Point{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.points[r.next]
	if r.next < len(r.points)-1 {
		r.next++
	}
	return p, nil
}
