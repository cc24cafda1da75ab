package core

import (
	"context"
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// KubeContext is a named kubeconfig context. ClusterUID identifies
// the cluster behind it, so several contexts (different users,
// default namespaces) may share one cluster and therefore one set of
// cached objects.
type KubeContext struct {
	Name       string `json:"name"`
	User       string `json:"user"`
	Cluster    string `json:"cluster"`
	Namespace  string `json:"namespace,omitempty"`
	ClusterUID string `json:"clusterUID"`
	Current    bool   `json:"current,omitempty"`
}

// Resource describes one servable resource kind of a cluster.
type Resource struct {
	GroupVersion string   `json:"groupVersion"`
	Kind         string   `json:"kind"`
	Name         string   `json:"name"`
	Namespaced   bool     `json:"namespaced"`
	ShortNames   []string `json:"shortNames,omitempty"`
	Verbs        []string `json:"verbs,omitempty"`
}

// GroupVersionKind returns the resource's group-version-kind.
func (r Resource) GroupVersionKind() schema.GroupVersionKind {
	return schema.FromAPIVersionAndKind(r.GroupVersion, r.Kind)
}

// GroupVersionResource returns the resource's group-version-resource
// as used by the dynamic client.
func (r Resource) GroupVersionResource() schema.GroupVersionResource {
	gv, _ := schema.ParseGroupVersion(r.GroupVersion)
	return gv.WithResource(r.Name)
}

// key identifies the resource within a cluster.
func (r Resource) key() string {
	return r.GroupVersion + "/" + r.Kind
}

// ResourceGroup is the set of resources served under one
// group-version.
type ResourceGroup struct {
	GroupVersion string     `json:"groupVersion"`
	Resources    []Resource `json:"resources"`
}

// Selector narrows a fetch or a watch. The zero value selects
// everything.
type Selector struct {
	Namespace     string `json:"namespace,omitempty"`
	Name          string `json:"name,omitempty"`
	LabelSelector string `json:"labelSelector,omitempty"`
	FieldSelector string `json:"fieldSelector,omitempty"`
}

// NameFieldSelector merges the Name into the field selector the way
// the API server expects it.
func (s Selector) NameFieldSelector() string {
	if s.Name == "" {
		return s.FieldSelector
	}
	parts := []string{}
	if s.FieldSelector != "" {
		parts = append(parts, s.FieldSelector)
	}
	parts = append(parts, "metadata.name="+s.Name)
	return strings.Join(parts, ",")
}

// ContextRepo enumerates the configured kube contexts.
type ContextRepo interface {
	List(ctx context.Context) ([]KubeContext, error)
}

// DiscoveryRepo lists the resources served by the cluster behind a
// context.
type DiscoveryRepo interface {
	ResourceGroups(ctx context.Context, kubeContext string) ([]ResourceGroup, error)
}
