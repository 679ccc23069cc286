package gpu

import (
	"encoding/csv"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/modelmux/modelmux/pkg/types"
)

// parseNvidiaList parses the output of
//
//	nvidia-smi --query-gpu=index,name,memory.total,memory.free,compute_cap --format=csv,noheader,nounits
//
// one GPU per row. Malformed rows are skipped and logged, never fatal.
func parseNvidiaList(out []byte) []types.Gpu {
	var gpus []types.Gpu
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 5 {
			log.Warn().Str("line", line).Msg("skipping malformed nvidia-smi row")
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			log.Warn().Str("line", line).Msg("skipping nvidia-smi row with bad index")
			continue
		}
		memTotal, err := strconv.Atoi(fields[2])
		if err != nil {
			log.Warn().Str("line", line).Msg("skipping nvidia-smi row with bad memory.total")
			continue
		}
		memFree, err := strconv.Atoi(fields[3])
		if err != nil {
			memFree = 0
		}
		major, minor := parseComputeCap(fields[4])
		gpus = append(gpus, types.Gpu{
			ID:            id,
			Vendor:        types.GpuVendorNvidia,
			Name:          fields[1],
			MemoryTotalMB: memTotal,
			MemoryFreeMB:  memFree,
			ComputeTier:   major*10 + minor,
			SupportsFP16:  major > 5 || (major == 5 && minor >= 3),
			SupportsBF16:  major >= 8,
		})
	}
	return gpus
}

func parseComputeCap(s string) (major, minor int) {
	parts := strings.SplitN(s, ".", 2)
	major, _ = strconv.Atoi(parts[0])
	if len(parts) == 2 {
		minor, _ = strconv.Atoi(parts[1])
	}
	return major, minor
}

// parseNvidiaHealth parses one row of
//
//	nvidia-smi --query-gpu=temperature.gpu,utilization.gpu,utilization.memory,memory.used,memory.total,power.draw --format=csv,noheader,nounits -i <id>
func parseNvidiaHealth(gpuID int, out []byte) (types.GpuHealth, bool) {
	line := strings.TrimSpace(string(out))
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	fields := strings.Split(line, ",")
	if len(fields) < 6 {
		return types.GpuHealth{}, false
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	temp, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return types.GpuHealth{}, false
	}
	gpuUtil, _ := strconv.ParseFloat(fields[1], 64)
	memUtil, _ := strconv.ParseFloat(fields[2], 64)
	memUsed, _ := strconv.Atoi(fields[3])
	memTotal, _ := strconv.Atoi(fields[4])
	power, _ := strconv.ParseFloat(fields[5], 64)

	return types.GpuHealth{
		GpuID:          gpuID,
		TemperatureC:   temp,
		GpuUtilPercent: gpuUtil,
		MemUtilPercent: memUtil,
		MemUsedMB:      memUsed,
		MemTotalMB:     memTotal,
		PowerDrawW:     power,
		Healthy:        temp < maxHealthyTemperatureC && memUtil < maxHealthyMemUtilPercent,
	}, true
}

// parseRocmList parses `rocm-smi --showproductname --showmeminfo vram --csv`.
// The CSV carries a header row; columns vary across rocm-smi versions so they
// are located by name. VRAM sizes are reported in bytes.
func parseRocmList(out []byte) []types.Gpu {
	reader := csv.NewReader(strings.NewReader(string(out)))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil || len(records) < 2 {
		return nil
	}

	header := records[0]
	nameCol, memCol := -1, -1
	for i, col := range header {
		c := strings.ToLower(col)
		switch {
		case strings.Contains(c, "card series") || strings.Contains(c, "card model"):
			nameCol = i
		case strings.Contains(c, "vram total memory"):
			memCol = i
		}
	}

	var gpus []types.Gpu
	for idx, row := range records[1:] {
		name := "AMD GPU"
		if nameCol >= 0 && nameCol < len(row) {
			name = strings.TrimSpace(row[nameCol])
		}
		memMB := 0
		if memCol >= 0 && memCol < len(row) {
			bytes, err := strconv.ParseInt(strings.TrimSpace(row[memCol]), 10, 64)
			if err != nil {
				log.Warn().Strs("row", row).Msg("skipping rocm-smi row with bad vram size")
				continue
			}
			memMB = int(bytes / (1024 * 1024))
		}
		gpus = append(gpus, types.Gpu{
			ID:            idx,
			Vendor:        types.GpuVendorAMD,
			Name:          name,
			MemoryTotalMB: memMB,
			SupportsFP16:  true,
		})
	}
	return gpus
}
