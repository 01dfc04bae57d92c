package k8s

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"

	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

// Node 注解键
const (
	AnnotationPrefix      = "hybrid-power.io/"
	AnnotationMode        = AnnotationPrefix + "mode"
	AnnotationThrottled   = AnnotationPrefix + "throttled"
	AnnotationCPUUtil     = AnnotationPrefix + "cpu-util-pct"
	AnnotationGPUUtil     = AnnotationPrefix + "gpu-util-pct"
	AnnotationTemperature = AnnotationPrefix + "temperature-c"
	AnnotationPowerDraw   = AnnotationPrefix + "power-draw-mw"
	AnnotationLastCycle   = AnnotationPrefix + "last-cycle"
	AnnotationUpdatedAt   = AnnotationPrefix + "updated-at"
)

// 节流状态切换时记录的事件原因
const (
	ReasonThermalThrottle  = "ThermalThrottle"
	ReasonThermalRecovered = "ThermalRecovered"
)

// StatusSource 发布器读取的策略状态
type StatusSource interface {
	Mode() models.PolicyMode
	Throttled() bool
	LastReport() (models.TickReport, bool)
}

// PublisherConfig 发布器配置
type PublisherConfig struct {
	NodeName string
	Interval time.Duration
	Logger   *logrus.Logger
	Clock    clock.PassiveClock
}

// Publisher 定期把模式和组件状态合并到本节点的注解上
type Publisher struct {
	client   kubernetes.Interface
	source   StatusSource
	nodeName string
	interval time.Duration
	logger   *logrus.Logger
	clock    clock.PassiveClock

	mu            sync.Mutex
	published     bool
	lastThrottled bool
}

// NewPublisher 创建发布器
func NewPublisher(client kubernetes.Interface, source StatusSource, cfg PublisherConfig) (*Publisher, error) {
	if client == nil || source == nil {
		return nil, fmt.Errorf("%w: kubernetes client and status source are required", models.ErrInvalidArgument)
	}
	if cfg.NodeName == "" {
		return nil, fmt.Errorf("%w: node name is required", models.ErrInvalidArgument)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: publish interval must be positive", models.ErrInvalidArgument)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Publisher{
		client:   client,
		source:   source,
		nodeName: cfg.NodeName,
		interval: cfg.Interval,
		logger:   logger,
		clock:    clk,
	}, nil
}

// Annotations 根据当前状态生成注解
func (p *Publisher) Annotations() map[string]string {
	annotations := map[string]string{
		AnnotationMode:      p.source.Mode().String(),
		AnnotationThrottled: strconv.FormatBool(p.source.Throttled()),
		AnnotationUpdatedAt: p.clock.Now().UTC().Format(time.RFC3339),
	}
	if report, ok := p.source.LastReport(); ok {
		c := report.Components
		annotations[AnnotationCPUUtil] = strconv.FormatFloat(c.CPUUtilPct, 'f', 1, 64)
		annotations[AnnotationGPUUtil] = strconv.FormatFloat(c.GPUUtilPct, 'f', 1, 64)
		annotations[AnnotationTemperature] = strconv.FormatInt(int64(c.TemperatureC), 10)
		annotations[AnnotationPowerDraw] = strconv.FormatUint(uint64(c.PowerDrawMW), 10)
		annotations[AnnotationLastCycle] = report.CycleID
	}
	return annotations
}

// Publish 合并补丁写入注解，节流状态变化时记录事件
func (p *Publisher) Publish(ctx context.Context) error {
	annotations := p.Annotations()
	patch := map[string]interface{}{
		"metadata": map[string]interface{}{
			"annotations": annotations,
		},
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal node patch: %w", err)
	}

	if _, err := p.client.CoreV1().Nodes().Patch(ctx, p.nodeName, types.MergePatchType, data, metav1.PatchOptions{}); err != nil {
		return fmt.Errorf("failed to patch node %s: %w", p.nodeName, err)
	}

	throttled := p.source.Throttled()
	p.mu.Lock()
	changed := p.published && throttled != p.lastThrottled
	p.published = true
	p.lastThrottled = throttled
	p.mu.Unlock()

	if changed {
		if err := p.recordThrottleEvent(ctx, throttled, annotations[AnnotationTemperature]); err != nil {
			p.logger.Warnf("Failed to record throttle event on node %s: %v", p.nodeName, err)
		}
	}

	p.logger.Debugf("Published power status to node %s (mode=%s throttled=%v)", p.nodeName, annotations[AnnotationMode], throttled)
	return nil
}

func (p *Publisher) recordThrottleEvent(ctx context.Context, throttled bool, temperature string) error {
	reason, eventType, message := ReasonThermalRecovered, corev1.EventTypeNormal, "Package temperature back under target, turbo restored"
	if throttled {
		reason, eventType = ReasonThermalThrottle, corev1.EventTypeWarning
		message = "Package temperature above target, cores pinned to minimum frequency"
	}
	if temperature != "" {
		message = fmt.Sprintf("%s (%s°C)", message, temperature)
	}

	now := metav1.NewTime(p.clock.Now())
	event := &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("%s.%x", p.nodeName, now.UnixNano()),
			Namespace: metav1.NamespaceDefault,
		},
		InvolvedObject: corev1.ObjectReference{
			Kind: "Node",
			Name: p.nodeName,
		},
		Reason:         reason,
		Message:        message,
		Type:           eventType,
		Source:         corev1.EventSource{Component: "hybridd", Host: p.nodeName},
		FirstTimestamp: now,
		LastTimestamp:  now,
		Count:          1,
	}
	_, err := p.client.CoreV1().Events(metav1.NamespaceDefault).Create(ctx, event, metav1.CreateOptions{})
	return err
}

// Run 按间隔发布直到 ctx 取消
func (p *Publisher) Run(ctx context.Context) {
	p.logger.Infof("Publishing power status to node %s every %v", p.nodeName, p.interval)
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if err := p.Publish(ctx); err != nil {
			p.logger.Warnf("Node status publish failed: %v", err)
		}
	}, p.interval)
}
