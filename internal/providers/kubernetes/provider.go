package kubernetes

import (
	"log/slog"

	"k8s.io/client-go/rest"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/otterscale/kube-explorer/internal/core"
)

// fieldManager identifies the explorer's writes in managed fields.
const fieldManager = "kube-explorer"

func userAgentFor(version core.Version) string {
	if version == "" {
		return fieldManager
	}
	return fieldManager + "/" + string(version)
}

// inClusterContext names the synthetic context offered when the
// explorer runs inside a pod without a kubeconfig.
const inClusterContext = "in-cluster"

func inClusterConfig(userAgent string) (*rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, err
	}
	cfg.UserAgent = userAgent
	return cfg, nil
}

// withInClusterContext adds the in-cluster context to an empty
// kubeconfig when the service account credentials are mounted.
func withInClusterContext(raw clientcmdapi.Config) clientcmdapi.Config {
	if len(raw.Contexts) > 0 {
		return raw
	}
	if _, err := rest.InClusterConfig(); err != nil {
		slog.Debug("no kubeconfig contexts and no in-cluster config", "error", err)
		return raw
	}

	raw.Contexts = map[string]*clientcmdapi.Context{
		inClusterContext: {Cluster: inClusterContext, AuthInfo: inClusterContext, Namespace: "default"},
	}
	raw.CurrentContext = inClusterContext
	return raw
}
