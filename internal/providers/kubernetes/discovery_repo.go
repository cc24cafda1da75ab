package kubernetes

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"k8s.io/client-go/discovery"

	"github.com/otterscale/kube-explorer/internal/core"
)

// discoveryRepo implements core.DiscoveryRepo by delegating to the
// Kubernetes discovery API of the context's cluster.
type discoveryRepo struct {
	kubernetes *Kubernetes
	log        *slog.Logger
}

// NewDiscoveryRepo returns a core.DiscoveryRepo backed by the
// Kubernetes discovery API.
func NewDiscoveryRepo(kubernetes *Kubernetes) core.DiscoveryRepo {
	return &discoveryRepo{
		kubernetes: kubernetes,
		log:        slog.Default().With("component", "discovery-repo"),
	}
}

var _ core.DiscoveryRepo = (*discoveryRepo)(nil)

// ResourceGroups returns the server's preferred resources grouped by
// group-version, sorted, without subresources. Groups that fail to
// answer are logged and skipped as long as some groups answered.
func (d *discoveryRepo) ResourceGroups(_ context.Context, kubeContext string) ([]core.ResourceGroup, error) {
	clientset, err := d.kubernetes.clientset(kubeContext)
	if err != nil {
		return nil, err
	}

	lists, err := discovery.ServerPreferredResources(clientset.Discovery())
	if err != nil {
		if !discovery.IsGroupDiscoveryFailedError(err) || len(lists) == 0 {
			return nil, wrapK8sError(err)
		}
		d.log.Warn("partial resource discovery", "context", kubeContext, "error", err)
	}

	groups := make([]core.ResourceGroup, 0, len(lists))
	for _, list := range lists {
		group := core.ResourceGroup{GroupVersion: list.GroupVersion}
		for i := range list.APIResources {
			res := &list.APIResources[i]
			if strings.Contains(res.Name, "/") {
				continue
			}
			group.Resources = append(group.Resources, core.Resource{
				GroupVersion: list.GroupVersion,
				Kind:         res.Kind,
				Name:         res.Name,
				Namespaced:   res.Namespaced,
				ShortNames:   res.ShortNames,
				Verbs:        res.Verbs,
			})
		}
		if len(group.Resources) > 0 {
			groups = append(groups, group)
		}
	}

	slices.SortFunc(groups, func(a, b core.ResourceGroup) int {
		return strings.Compare(a.GroupVersion, b.GroupVersion)
	})
	return groups, nil
}
