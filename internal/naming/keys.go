// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package naming

import (
	"strconv"
	"strings"
)

// Identifier defaults from spec.md §3.
const (
	DefaultNamespace = "public"
	DefaultGroup     = "DEFAULT_GROUP"
	DefaultCluster   = "DEFAULT"
)

const (
	metaKeyPrefix             = "registry.naming.domains.meta."
	instanceListKeyPrefix     = "registry.naming.iplist."
	ephemeralInstanceListInfix = "ephemeral."
)

// ServiceMetaKey builds the consensus key for a service's metadata,
// matching spec.md §6's KeyBuilder: the namespace segment is omitted for
// the default namespace.
func ServiceMetaKey(namespaceID, serviceName string) string {
	if namespaceID == "" || namespaceID == DefaultNamespace {
		return metaKeyPrefix + serviceName
	}
	return metaKeyPrefix + namespaceID + "##" + serviceName
}

// InstanceListKey builds the consensus key for a service's ephemeral or
// persistent instance list.
func InstanceListKey(namespaceID, serviceName string, ephemeral bool) string {
	prefix := instanceListKeyPrefix
	if ephemeral {
		prefix += ephemeralInstanceListInfix
	}
	ns := namespaceID
	if ns == "" {
		ns = DefaultNamespace
	}
	return prefix + ns + "##" + serviceName
}

// MatchEphemeralInstanceListKey reports whether key is an ephemeral
// instance-list key and, if so, returns the (namespaceID, serviceName) it
// encodes.
func MatchEphemeralInstanceListKey(key string) (namespaceID, serviceName string, ok bool) {
	prefix := instanceListKeyPrefix + ephemeralInstanceListInfix
	if !strings.HasPrefix(key, prefix) {
		return "", "", false
	}
	return splitNamespacedKey(strings.TrimPrefix(key, prefix))
}

// MatchPersistentInstanceListKey reports whether key is a persistent
// instance-list key (not the ephemeral variant).
func MatchPersistentInstanceListKey(key string) (namespaceID, serviceName string, ok bool) {
	if !strings.HasPrefix(key, instanceListKeyPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, instanceListKeyPrefix)
	if strings.HasPrefix(rest, ephemeralInstanceListInfix) {
		return "", "", false
	}
	return splitNamespacedKey(rest)
}

// MatchServiceMetaKey reports whether key is a service-meta key and, if
// so, the (namespaceID, serviceName) it encodes.
func MatchServiceMetaKey(key string) (namespaceID, serviceName string, ok bool) {
	if !strings.HasPrefix(key, metaKeyPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, metaKeyPrefix)
	if ns, name, ok := splitNamespacedKey(rest); ok {
		return ns, name, true
	}
	return DefaultNamespace, rest, true
}

func splitNamespacedKey(s string) (namespaceID, serviceName string, ok bool) {
	idx := strings.Index(s, "##")
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+2:], true
}

// CanonicalServiceName joins group and name into the group::name form,
// defaulting an empty group to DefaultGroup.
func CanonicalServiceName(group, name string) string {
	if group == "" {
		group = DefaultGroup
	}
	return group + "::" + name
}

// SplitServiceName splits a group::name form back into its parts.
func SplitServiceName(serviceName string) (group, name string) {
	if idx := strings.Index(serviceName, "::"); idx >= 0 {
		return serviceName[:idx], serviceName[idx+2:]
	}
	return DefaultGroup, serviceName
}

// InstanceKey builds the ip:port:site:cluster identifier spec.md §3
// defines, with site fixed to "localhost" for in-table instances.
func InstanceKey(ip string, port uint16, clusterName string) string {
	return ip + ":" + strconv.Itoa(int(port)) + ":localhost:" + clusterName
}
