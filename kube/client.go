// Package kube runs jobs as Kubernetes batch Jobs, one clientset per
// cluster.
package kube

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// NewClient builds the clientset of one configured cluster. kubeconfig and
// kubeContext select a file and a context in it; both may be empty, in which
// case the usual KUBECONFIG / ~/.kube/config lookup applies and the
// in-cluster config is used when that finds nothing.
func NewClient(kubeconfig, kubeContext string) (*kubernetes.Clientset, error) {
	cfg, err := restConfig(kubeconfig, kubeContext)
	if err != nil {
		return nil, err
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("jobdag: create clientset: %w", err)
	}
	return cs, nil
}

func restConfig(kubeconfig, kubeContext string) (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}

	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("jobdag: load cluster config (kubeconfig %q, context %q): %w", kubeconfig, kubeContext, err)
	}
	cfg = rest.CopyConfig(cfg)
	cfg.UserAgent = "jobdag"
	return cfg, nil
}
