package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsStream  int64
	errorsPoll    int64
	warnsStream   int64
	warnsPoll     int64
	streamReads   int64
	pollReads     int64
	routedTicks   int64
	rejectedTicks int64
	wsDeliveries  int64
	wsDrops       int64
	channels      sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "poll") {
		atomic.AddInt64(&warnsPoll, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "poll") {
		atomic.AddInt64(&errorsPoll, 1)
	}
}

// IncrementStreamRead records one tick received from the streaming provider.
func IncrementStreamRead(size int) {
	atomic.AddInt64(&streamReads, 1)
	recordChannel("primary_ws", size)
}

// IncrementPollRead records one quote received from the polling provider.
func IncrementPollRead(size int) {
	atomic.AddInt64(&pollReads, 1)
	recordChannel("secondary_rest", size)
}

// IncrementRouted records one tick forwarded downstream by the router.
func IncrementRouted() {
	atomic.AddInt64(&routedTicks, 1)
}

// IncrementRejected records one tick dropped by validation.
func IncrementRejected() {
	atomic.AddInt64(&rejectedTicks, 1)
}

// IncrementDelivery records one tick delivered to a websocket subscriber.
func IncrementDelivery(size int) {
	atomic.AddInt64(&wsDeliveries, 1)
	recordChannel("ws_out", size)
}

// IncrementDeliveryDrop records a tick dropped because a subscriber queue was full.
func IncrementDeliveryDrop() {
	atomic.AddInt64(&wsDrops, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_stream":  atomic.LoadInt64(&errorsStream),
		"errors_poll":    atomic.LoadInt64(&errorsPoll),
		"warns_stream":   atomic.LoadInt64(&warnsStream),
		"warns_poll":     atomic.LoadInt64(&warnsPoll),
		"stream_reads":   atomic.LoadInt64(&streamReads),
		"poll_reads":     atomic.LoadInt64(&pollReads),
		"routed_ticks":   atomic.LoadInt64(&routedTicks),
		"rejected_ticks": atomic.LoadInt64(&rejectedTicks),
		"ws_deliveries":  atomic.LoadInt64(&wsDeliveries),
		"ws_drops":       atomic.LoadInt64(&wsDrops),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memStats.Used) / 1024 / 1024,
		"disk_mb":        int64(diskStats.Used) / 1024 / 1024,
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_stream"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsPoll"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_poll"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("StreamReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["stream_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("PollReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["poll_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RoutedTicks"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["routed_ticks"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RejectedTicks"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["rejected_ticks"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WSDeliveries"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["ws_deliveries"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WSDrops"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["ws_drops"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
