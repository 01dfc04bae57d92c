// Package k8s 把本机电源策略状态发布到 Kubernetes Node 对象上。
package k8s

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/yourusername/hybrid-power-sched/internal/config"
)

// NewClient 创建K8s客户端；kubeconfig 为空时使用 in-cluster 配置
func NewClient(cfg config.KubernetesConfig, logger *logrus.Logger) (kubernetes.Interface, error) {
	var restConfig *rest.Config
	var err error

	// 如果有kubeconfig文件，使用文件配置
	if cfg.Kubeconfig != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		// 否则使用in-cluster配置
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create k8s config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	if logger != nil {
		logger.Infof("Kubernetes client configured for %s", restConfig.Host)
	}
	return clientset, nil
}
