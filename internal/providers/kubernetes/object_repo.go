package kubernetes

import (
	"context"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/dynamic"

	"github.com/otterscale/kube-explorer/internal/core"
)

// listPageSize is the page size used to drain large collections.
const listPageSize = 500

// objectRepo implements core.ObjectRepo by delegating to the
// Kubernetes dynamic client of each context.
type objectRepo struct {
	kubernetes *Kubernetes
}

// NewObjectRepo returns a core.ObjectRepo backed by the Kubernetes
// dynamic API.
func NewObjectRepo(kubernetes *Kubernetes) core.ObjectRepo {
	return &objectRepo{
		kubernetes: kubernetes,
	}
}

var _ core.ObjectRepo = (*objectRepo)(nil)

// ---------------------------------------------------------------------------
// CRUD
// ---------------------------------------------------------------------------

// List returns every object of res matching sel, following continue
// tokens until the collection is drained.
func (r *objectRepo) List(ctx context.Context, kubeContext string, res core.Resource, sel core.Selector) ([]unstructured.Unstructured, error) {
	client, err := r.resource(kubeContext, res, sel.Namespace)
	if err != nil {
		return nil, err
	}

	opts := metav1.ListOptions{
		LabelSelector: sel.LabelSelector,
		FieldSelector: sel.NameFieldSelector(),
		Limit:         listPageSize,
	}

	var items []unstructured.Unstructured
	for {
		list, err := client.List(ctx, opts)
		if err != nil {
			return nil, wrapK8sError(err)
		}
		items = append(items, list.Items...)

		opts.Continue = list.GetContinue()
		if opts.Continue == "" {
			return items, nil
		}
	}
}

// Get returns a single object by name.
func (r *objectRepo) Get(ctx context.Context, kubeContext string, res core.Resource, namespace, name string) (*unstructured.Unstructured, error) {
	client, err := r.resource(kubeContext, res, namespace)
	if err != nil {
		return nil, err
	}

	obj, err := client.Get(ctx, name, metav1.GetOptions{})
	return obj, wrapK8sError(err)
}

// Update replaces the object with obj and returns the server's copy.
func (r *objectRepo) Update(ctx context.Context, kubeContext string, res core.Resource, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	client, err := r.resource(kubeContext, res, obj.GetNamespace())
	if err != nil {
		return nil, err
	}

	updated, err := client.Update(ctx, obj, metav1.UpdateOptions{FieldManager: fieldManager})
	return updated, wrapK8sError(err)
}

// Delete removes an object, letting the garbage collector clean up
// its dependents in the background.
func (r *objectRepo) Delete(ctx context.Context, kubeContext string, res core.Resource, namespace, name string) error {
	client, err := r.resource(kubeContext, res, namespace)
	if err != nil {
		return err
	}

	propagation := metav1.DeletePropagationBackground
	opts := metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	}

	return wrapK8sError(client.Delete(ctx, name, opts))
}

// ---------------------------------------------------------------------------
// Client helpers
// ---------------------------------------------------------------------------

func (r *objectRepo) resource(kubeContext string, res core.Resource, namespace string) (dynamic.ResourceInterface, error) {
	client, err := r.kubernetes.dynamicClient(kubeContext)
	if err != nil {
		return nil, err
	}

	gvr := res.GroupVersionResource()
	if !res.Namespaced {
		return client.Resource(gvr), nil
	}
	return client.Resource(gvr).Namespace(namespace), nil
}
