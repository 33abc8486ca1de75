package blob

import (
	"fmt"
	"strings"
)

// CleanNamespace normalises a hierarchical namespace. Surrounding slashes are
// trimmed; empty, "." and ".." segments are rejected rather than collapsed so
// distinct namespaces never address the same objects. An empty namespace is
// valid and addresses the container root.
func CleanNamespace(namespace string) (string, error) {
	ns := strings.Trim(strings.TrimSpace(namespace), "/")
	if ns == "" {
		return "", nil
	}
	if !validSegments(ns) {
		return "", fmt.Errorf("blob: invalid namespace %q", namespace)
	}
	return ns, nil
}

// ObjectName joins namespace and key into a container-relative object name.
// The key is used verbatim.
func ObjectName(namespace, key string) (string, error) {
	ns, err := CleanNamespace(namespace)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("blob: key required")
	}
	if !validSegments(key) {
		return "", fmt.Errorf("blob: invalid key %q", key)
	}
	if ns == "" {
		return key, nil
	}
	return ns + "/" + key, nil
}

func validSegments(name string) bool {
	for seg := range strings.SplitSeq(name, "/") {
		switch seg {
		case "", ".", "..":
			return false
		}
	}
	return true
}

// NamespacePrefix returns the listing prefix covering every object in namespace.
func NamespacePrefix(namespace string) (string, error) {
	ns, err := CleanNamespace(namespace)
	if err != nil {
		return "", err
	}
	if ns == "" {
		return "", nil
	}
	return ns + "/", nil
}
