package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/otterscale/kube-explorer/internal/core"
)

// clusterUIDNamespace is the namespace whose UID identifies a cluster.
// Every cluster has one and it is never recreated.
const clusterUIDNamespace = "kube-system"

// probeTimeout bounds the UID lookup of a single context so that an
// unreachable cluster does not stall the listing.
const probeTimeout = 10 * time.Second

// maxConcurrentProbes limits how many clusters are probed at once.
const maxConcurrentProbes = 8

// contextRepo implements core.ContextRepo over the kubeconfig.
type contextRepo struct {
	kubernetes *Kubernetes
	log        *slog.Logger
}

// NewContextRepo returns a core.ContextRepo listing the kubeconfig
// contexts whose cluster answers.
func NewContextRepo(kubernetes *Kubernetes) core.ContextRepo {
	return &contextRepo{
		kubernetes: kubernetes,
		log:        slog.Default().With("component", "context-repo"),
	}
}

var _ core.ContextRepo = (*contextRepo)(nil)

// List returns the kubeconfig contexts sorted by name. Contexts whose
// client cannot be built or whose cluster UID cannot be read are
// logged and left out.
func (r *contextRepo) List(ctx context.Context) ([]core.KubeContext, error) {
	raw, err := r.kubernetes.rawConfig()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(raw.Contexts))
	for name := range raw.Contexts {
		names = append(names, name)
	}
	slices.Sort(names)

	found := make([]*core.KubeContext, len(names))

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentProbes)
	for i, name := range names {
		kc := raw.Contexts[name]
		eg.Go(func() error {
			uid, err := r.clusterUID(egctx, name)
			if err != nil {
				r.log.Warn("skipping kube context", "context", name, "error", err)
				return nil
			}
			found[i] = &core.KubeContext{
				Name:       name,
				User:       kc.AuthInfo,
				Cluster:    kc.Cluster,
				Namespace:  kc.Namespace,
				ClusterUID: uid,
				Current:    name == raw.CurrentContext,
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	kctxs := make([]core.KubeContext, 0, len(found))
	for _, kctx := range found {
		if kctx != nil {
			kctxs = append(kctxs, *kctx)
		}
	}
	return kctxs, nil
}

func (r *contextRepo) clusterUID(ctx context.Context, kubeContext string) (string, error) {
	clientset, err := r.kubernetes.clientset(kubeContext)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	ns, err := clientset.CoreV1().Namespaces().Get(ctx, clusterUIDNamespace, metav1.GetOptions{})
	if err != nil {
		return "", wrapK8sError(err)
	}
	if ns.UID == "" {
		return "", fmt.Errorf("namespace %s has no uid", clusterUIDNamespace)
	}
	return string(ns.UID), nil
}
