// Package supplychain holds knowledge about past npm supply-chain campaigns.
package supplychain

import (
	"slices"
	"strings"
)

// atRiskNamespaces contains npm scopes that have had compromised packages.
// References into these scopes get a rule-trail note whatever their category.
var atRiskNamespaces = []string{
	// Shai-Hulud campaign (September-November 2025)
	"@ctrl",
	"@nativescript-community",
	"@crowdstrike",
	"@asyncapi",
	"@posthog",
	"@postman",
	"@ensdomains",
	"@zapier",
	"@art-ws",
	"@ngx",
	// s1ngularity campaign (August 2025), credential harvesting via Nx
	"@nx",
	"@nrwl",
}

// Scope returns the "@scope" part of a scoped package name.
func Scope(packageName string) (string, bool) {
	if !strings.HasPrefix(packageName, "@") {
		return "", false
	}
	scope, _, ok := strings.Cut(packageName, "/")
	if !ok {
		return "", false
	}
	return scope, true
}

// IsAtRiskNamespace checks if a package name belongs to an at-risk namespace.
func IsAtRiskNamespace(packageName string) bool {
	scope, ok := Scope(packageName)
	return ok && slices.Contains(atRiskNamespaces, scope)
}

// NamespaceWarning returns the rule-trail note for an at-risk namespace.
func NamespaceWarning(packageName string) string {
	scope, _ := Scope(packageName)
	return "namespace: " + scope + " had compromised packages in a supply chain attack; verify " + packageName
}
