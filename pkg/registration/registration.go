// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package registration implements the one-shot startup handshake with the
// ingestion server. The server owns all identity: aggregator and device
// UUIDs are issued by it and the client never invents its own.
package registration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/DataDog/edgewatch/pkg/util/log"
)

const (
	healthPollInterval = 500 * time.Millisecond
	healthWaitTimeout  = 30 * time.Second
	requestTimeout     = 10 * time.Second
)

// Client registers an aggregator and its devices against the ingestion
// server's registration endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a registration client for the given server base URL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// WaitForServer polls the server's health endpoint until it answers 200
// or the overall timeout elapses. Registration is useless against a dead
// server, so startup blocks here.
func (c *Client) WaitForServer() error {
	url := c.baseURL + "/health"
	log.Infof("waiting for ingestion server at %s", url)

	check := func() error {
		resp, err := c.httpClient.Get(url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health returned HTTP %d", resp.StatusCode)
		}
		return nil
	}

	policy := backoff.NewConstantBackOff(healthPollInterval)
	err := backoff.Retry(check, backoff.WithMaxRetries(policy, uint64(healthWaitTimeout/healthPollInterval)))
	if err != nil {
		return fmt.Errorf("ingestion server not healthy after %s: %w", healthWaitTimeout, err)
	}
	log.Info("ingestion server is healthy")
	return nil
}

// RegisterAggregator registers this aggregator by name and returns the
// server-issued ID. Re-registering an existing name returns its existing
// ID; 200 and 201 both mean success.
func (c *Client) RegisterAggregator(name string) (string, error) {
	var resp struct {
		AggregatorID string `json:"aggregator_id"`
	}
	if err := c.post("/aggregators", map[string]string{"name": name}, &resp); err != nil {
		return "", fmt.Errorf("cannot register aggregator %q: %w", name, err)
	}
	if resp.AggregatorID == "" {
		return "", fmt.Errorf("server returned no aggregator_id for %q", name)
	}
	log.Infof("registered aggregator %q as %s", name, resp.AggregatorID)
	return resp.AggregatorID, nil
}

// RegisterDevice registers one logical data source under the aggregator
// and returns the server-issued device ID.
func (c *Client) RegisterDevice(aggregatorID, name, source string) (string, error) {
	body := map[string]string{
		"aggregator_id": aggregatorID,
		"name":          name,
		"source":        source,
	}
	var resp struct {
		DeviceID string `json:"device_id"`
	}
	if err := c.post("/devices", body, &resp); err != nil {
		return "", fmt.Errorf("cannot register device %q: %w", name, err)
	}
	if resp.DeviceID == "" {
		return "", fmt.Errorf("server returned no device_id for %q", name)
	}
	log.Infof("registered device %q (source %s) as %s", name, source, resp.DeviceID)
	return resp.DeviceID, nil
}

func (c *Client) post(path string, body interface{}, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s returned HTTP %d: %s", path, resp.StatusCode, respBody)
	}
	return json.Unmarshal(respBody, out)
}
