package tools

import (
	"context"
	"fmt"
	"math"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/Zenin797/SunoTherapist/core"
)

// virtualMemory is swapped in tests.
var virtualMemory = mem.VirtualMemoryWithContext

// MemoryUsageTool reports host RAM usage.
func MemoryUsageTool() core.Tool {
	return New("get_memory_usage").
		Description("Get the current system memory (RAM) usage of the host as a percentage.").
		Schema(BuildSchemaWithThought(map[string]interface{}{})).
		Handler(func(ctx context.Context, params *core.ToolParams) (*core.ToolResult, error) {
			v, err := virtualMemory(ctx)
			if err != nil {
				return nil, fmt.Errorf("read memory stats: %w", err)
			}
			return core.Success(map[string]interface{}{
				"used_percent": math.Round(v.UsedPercent*10) / 10,
				"total_mb":     v.Total / (1 << 20),
				"available_mb": v.Available / (1 << 20),
			}), nil
		}).
		Build()
}
