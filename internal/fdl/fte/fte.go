/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package fte is the handoff client to the Fault Trajectory Extractor: a
// downstream collaborator out of scope for this engine. It dispatches
// the finished Suspicious Activity Graph once the abort criterion fires.
package fte

import (
	"bytes"
	"encoding/json"
	"time"

	resty "gopkg.in/resty.v1"
	"github.com/sirupsen/logrus"

	"github.com/solnx/stream-fdl/internal/fdl/model"
)

// Handoff is the payload delivered to the extractor: the primary keys of
// every member the SAG accrued before the abort fired.
type Handoff struct {
	Members   []model.MemberProxy `json:"members"`
	Timestamp time.Time           `json:"timestamp"`
}

// Client dispatches a Handoff to the configured extractor endpoint.
// Delivery failures are logged, never fatal: the extractor is a
// best-effort downstream collaborator, not part of the detection core.
type Client struct {
	destination string
	http        *resty.Client
	log         *logrus.Entry
}

// New constructs a Client posting to destination.
func New(destination string) *Client {
	c := resty.New().
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(15)).
		SetDisableWarn(true).
		SetRetryCount(3).
		SetHeader("Content-Type", "application/json")
	return &Client{
		destination: destination,
		http:        c,
		log:         logrus.WithField("component", "fte"),
	}
}

// Notify posts the handoff asynchronously, mirroring the fire-and-forget
// alarm dispatch of the ingestion pipeline this engine is modelled on.
func (c *Client) Notify(members []model.MemberProxy) {
	if c.destination == "" {
		c.log.Warnf("FTE, no destination configured, dropping handoff of %d members", len(members))
		return
	}
	h := Handoff{Members: members, Timestamp: time.Now().UTC()}

	go func(h Handoff) {
		b := new(bytes.Buffer)
		if err := json.NewEncoder(b).Encode(h); err != nil {
			c.log.Errorf("FTE, encoding handoff failed: %s", err)
			return
		}
		resp, err := c.http.R().
			SetBody(b.Bytes()).
			Post(c.destination)
		if err != nil {
			c.log.Errorf("FTE, dispatch failed: %s", err)
			return
		}
		c.log.Infof("FTE, dispatched handoff of %d members, status %d", len(h.Members), resp.StatusCode())
	}(h)
}
