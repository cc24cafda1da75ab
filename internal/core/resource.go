package core

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/serializer/yaml"
)

// ObjectRepo is the CRUD client for raw cluster objects. kubeContext
// is a context name as listed by ContextRepo.
type ObjectRepo interface {
	List(ctx context.Context, kubeContext string, res Resource, sel Selector) ([]unstructured.Unstructured, error)
	Get(ctx context.Context, kubeContext string, res Resource, namespace, name string) (*unstructured.Unstructured, error)
	Update(ctx context.Context, kubeContext string, res Resource, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
	Delete(ctx context.Context, kubeContext string, res Resource, namespace, name string) error
}

var manifestDecoder = yaml.NewDecodingSerializer(unstructured.UnstructuredJSONScheme)

// ParseManifest decodes a YAML or JSON manifest into an unstructured
// object. The manifest must carry apiVersion and kind.
func ParseManifest(manifest []byte) (*unstructured.Unstructured, error) {
	obj := &unstructured.Unstructured{}
	if _, _, err := manifestDecoder.Decode(manifest, nil, obj); err != nil {
		return nil, &ErrInvalidInput{Field: "manifest", Message: err.Error()}
	}
	return obj, nil
}

// parseRaw decodes a JSON manifest received from the stream.
func parseRaw(manifest []byte) (*unstructured.Unstructured, error) {
	if len(manifest) == 0 {
		return nil, fmt.Errorf("no manifest (JSON) in response")
	}
	obj, _, err := unstructured.UnstructuredJSONScheme.Decode(manifest, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		return nil, fmt.Errorf("unexpected manifest type %T", obj)
	}
	return u, nil
}
