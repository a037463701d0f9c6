// Package server provides the MCP server implementation for squatscan.
package server

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/seanhalberthal/squatscan/internal/scanner"
	"github.com/seanhalberthal/squatscan/internal/types"
)

// scan holds the scanner instance for tool handlers.
var scan scanner.Scanner

// Run serves the scanner's tools over stdio until ctx is done or the client
// disconnects.
func Run(ctx context.Context, s scanner.Scanner) error {
	scan = s

	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    "squatscan",
			Version: types.Version,
		},
		nil,
	)

	registerTools(server)

	return server.Run(ctx, &mcp.StdioTransport{})
}

func registerTools(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "squatscan_status",
		Description: "Get scanner version, ruleset and registry snapshot info, and supported inputs",
	}, handleStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "squatscan_scan",
		Description: "Scan a directory or file for missing, unclaimed, typosquatted and vulnerable package references",
	}, handleScan)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "squatscan_check",
		Description: "Classify a single package name, optionally at a version",
	}, handleCheck)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "squatscan_refresh",
		Description: "Update the cached OSV malicious-package feed",
	}, handleRefresh)
}

// Tool input/output types

type statusInput struct{}

type statusOutput struct {
	types.StatusResponse
}

type scanInput struct {
	Path  string `json:"path" jsonschema:"path to the directory or file to scan"`
	Fetch bool   `json:"fetch,omitempty" jsonschema:"look up packages the snapshot does not know in the npm registry"`
}

type scanOutput struct {
	types.ScanResult
}

type checkInput struct {
	Package string `json:"package" jsonschema:"package name to check"`
	Version string `json:"version,omitempty" jsonschema:"package version to check advisories for"`
}

type checkOutput struct {
	types.CheckResult
}

type refreshInput struct {
	Force bool `json:"force,omitempty" jsonschema:"force refresh even if cache is fresh"`
}

type refreshOutput struct {
	types.RefreshResult
}

// Tool handlers

func handleStatus(_ context.Context, _ *mcp.CallToolRequest, _ statusInput) (*mcp.CallToolResult, statusOutput, error) {
	return nil, statusOutput{StatusResponse: scan.GetStatus()}, nil
}

func handleScan(ctx context.Context, _ *mcp.CallToolRequest, input scanInput) (*mcp.CallToolResult, scanOutput, error) {
	if input.Path == "" {
		return nil, scanOutput{}, errors.New("path is required")
	}

	result, err := scan.Scan(ctx, scanner.ScanOptions{
		Path:  input.Path,
		Fetch: input.Fetch,
	})
	if err != nil {
		return nil, scanOutput{}, err
	}

	return nil, scanOutput{ScanResult: *result}, nil
}

func handleCheck(ctx context.Context, _ *mcp.CallToolRequest, input checkInput) (*mcp.CallToolResult, checkOutput, error) {
	if input.Package == "" {
		return nil, checkOutput{}, errors.New("package is required")
	}

	result, err := scan.CheckPackage(ctx, input.Package, input.Version)
	if err != nil {
		return nil, checkOutput{}, err
	}

	return nil, checkOutput{CheckResult: *result}, nil
}

func handleRefresh(ctx context.Context, _ *mcp.CallToolRequest, input refreshInput) (*mcp.CallToolResult, refreshOutput, error) {
	result, err := scan.Refresh(ctx, input.Force)
	if err != nil {
		return nil, refreshOutput{}, err
	}

	return nil, refreshOutput{RefreshResult: *result}, nil
}
