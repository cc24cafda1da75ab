package kubernetes

import (
	"fmt"
	"sync"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/otterscale/kube-explorer/internal/config"
	"github.com/otterscale/kube-explorer/internal/core"
)

// Kubernetes resolves kubeconfig contexts into API clients. Clients
// are built on first use and shared afterwards, so every repository
// talking to the same context reuses one transport.
type Kubernetes struct {
	rules     *clientcmd.ClientConfigLoadingRules
	userAgent string

	configs    sync.Map // map[string]*rest.Config, keyed by context name
	dynamics   sync.Map // map[string]dynamic.Interface
	clientsets sync.Map // map[string]kubernetes.Interface
}

// New returns a Kubernetes loading the kubeconfig named by the
// configuration, or the client-go default chain when none is set.
func New(conf *config.Config, version core.Version) *Kubernetes {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if path := conf.KubeConfig(); path != "" {
		rules.ExplicitPath = path
	}
	return &Kubernetes{rules: rules, userAgent: userAgentFor(version)}
}

// rawConfig reads the merged kubeconfig. It is re-read on each call so
// contexts added while the explorer runs show up on the next listing.
func (k *Kubernetes) rawConfig() (clientcmdapi.Config, error) {
	raw, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(k.rules, &clientcmd.ConfigOverrides{}).RawConfig()
	if err != nil {
		return clientcmdapi.Config{}, &core.DomainError{
			Code:    core.ErrorCodeUnavailable,
			Message: "failed to load kubeconfig",
			Cause:   err,
		}
	}
	return withInClusterContext(raw), nil
}

func (k *Kubernetes) restConfig(kubeContext string) (*rest.Config, error) {
	return loadOrCreate(&k.configs, kubeContext, func() (*rest.Config, error) {
		if kubeContext == inClusterContext {
			return inClusterConfig(k.userAgent)
		}

		raw, err := k.rawConfig()
		if err != nil {
			return nil, err
		}
		if _, ok := raw.Contexts[kubeContext]; !ok {
			return nil, &core.ErrContextNotFound{Name: kubeContext}
		}

		overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
		cfg, err := clientcmd.NewDefaultClientConfig(raw, overrides).ClientConfig()
		if err != nil {
			return nil, &core.DomainError{
				Code:    core.ErrorCodeFailedPrecondition,
				Message: fmt.Sprintf("invalid kubeconfig for context %s", kubeContext),
				Cause:   err,
			}
		}
		cfg.UserAgent = k.userAgent
		return cfg, nil
	})
}

func (k *Kubernetes) dynamicClient(kubeContext string) (dynamic.Interface, error) {
	return loadOrCreate(&k.dynamics, kubeContext, func() (dynamic.Interface, error) {
		cfg, err := k.restConfig(kubeContext)
		if err != nil {
			return nil, err
		}
		return dynamic.NewForConfig(cfg)
	})
}

func (k *Kubernetes) clientset(kubeContext string) (kubernetes.Interface, error) {
	return loadOrCreate(&k.clientsets, kubeContext, func() (kubernetes.Interface, error) {
		cfg, err := k.restConfig(kubeContext)
		if err != nil {
			return nil, err
		}
		return kubernetes.NewForConfig(cfg)
	})
}

// loadOrCreate returns the value cached under key, creating and
// storing it on a miss. Concurrent misses may each create a value;
// only the first one stored wins.
func loadOrCreate[T any](m *sync.Map, key string, create func() (T, error)) (T, error) {
	if v, ok := m.Load(key); ok {
		return v.(T), nil
	}
	v, err := create()
	if err != nil {
		var zero T
		return zero, err
	}
	actual, _ := m.LoadOrStore(key, v)
	return actual.(T), nil
}
