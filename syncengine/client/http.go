// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client

import (
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/matrix-org/gomatrix"
	"github.com/tidwall/gjson"

	"github.com/element-hq/hearth/syncengine/types"
)

// HTTPClient implements Client over the gomatrix transport. Endpoints with
// payload shapes the engine cares about are issued through MakeRequest with
// the engine's own response types, so fields like prev_content and unsigned
// survive the round trip.
type HTTPClient struct {
	cli    *gomatrix.Client
	userID string
}

// NewHTTPClient builds an authenticated client against a homeserver.
func NewHTTPClient(homeserverURL, userID, accessToken string) (*HTTPClient, error) {
	cli, err := gomatrix.NewClient(homeserverURL, userID, accessToken)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{cli: cli, userID: userID}, nil
}

// mapError folds gomatrix transport errors onto the engine taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var httpErr gomatrix.HTTPError
	if errors.As(err, &httpErr) {
		errCode := gjson.GetBytes(httpErr.Contents, "errcode").String()
		message := gjson.GetBytes(httpErr.Contents, "error").String()
		if message == "" {
			message = httpErr.Message
		}
		return &types.ProtocolError{
			StatusCode: httpErr.Code,
			ErrCode:    errCode,
			Message:    message,
		}
	}
	return &types.NetworkError{Inner: err}
}

func (c *HTTPClient) GetRoomMessagesFrom(roomID, token string, dir types.Direction, limit int) (*types.TokensChunk, error) {
	urlPath := c.cli.BuildURLWithQuery([]string{"rooms", roomID, "messages"}, map[string]string{
		"from":  token,
		"dir":   dir.String(),
		"limit": strconv.Itoa(limit),
	})
	var resp types.TokensChunk
	if err := c.cli.MakeRequest("GET", urlPath, nil, &resp); err != nil {
		return nil, mapError(err)
	}
	return &resp, nil
}

func (c *HTTPClient) GetContextOfEvent(roomID, eventID string, limit int) (*types.EventContext, error) {
	urlPath := c.cli.BuildURLWithQuery([]string{"rooms", roomID, "context", eventID}, map[string]string{
		"limit": strconv.Itoa(limit),
	})
	var resp types.EventContext
	if err := c.cli.MakeRequest("GET", urlPath, nil, &resp); err != nil {
		return nil, mapError(err)
	}
	return &resp, nil
}

func (c *HTTPClient) RoomInitialSync(roomID string, limit int) (*types.RoomInitialSync, error) {
	urlPath := c.cli.BuildURLWithQuery([]string{"rooms", roomID, "initialSync"}, map[string]string{
		"limit": strconv.Itoa(limit),
	})
	var resp types.RoomInitialSync
	if err := c.cli.MakeRequest("GET", urlPath, nil, &resp); err != nil {
		return nil, mapError(err)
	}
	return &resp, nil
}

func (c *HTTPClient) Sync(since string, timeoutMS int) (*types.SyncResponse, error) {
	query := map[string]string{
		"timeout": strconv.Itoa(timeoutMS),
	}
	if since != "" {
		query["since"] = since
	}
	urlPath := c.cli.BuildURLWithQuery([]string{"sync"}, query)
	var resp types.SyncResponse
	if err := c.cli.MakeRequest("GET", urlPath, nil, &resp); err != nil {
		return nil, mapError(err)
	}
	return &resp, nil
}

func (c *HTTPClient) SendMessageEvent(roomID, eventType string, content interface{}) (string, error) {
	txnID := "go" + uuid.NewString()
	urlPath := c.cli.BuildURL("rooms", roomID, "send", eventType, txnID)
	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := c.cli.MakeRequest("PUT", urlPath, content, &resp); err != nil {
		return "", mapError(err)
	}
	return resp.EventID, nil
}

func (c *HTTPClient) SendReadReceipt(roomID, eventID string) error {
	urlPath := c.cli.BuildURL("rooms", roomID, "receipt", "m.read", eventID)
	err := c.cli.MakeRequest("POST", urlPath, struct{}{}, nil)
	return mapError(err)
}

func (c *HTTPClient) SendReadMarkers(roomID, fullyReadEventID, readReceiptEventID string) error {
	urlPath := c.cli.BuildURL("rooms", roomID, "read_markers")
	body := map[string]string{
		"m.fully_read": fullyReadEventID,
	}
	if readReceiptEventID != "" {
		body["m.read"] = readReceiptEventID
	}
	err := c.cli.MakeRequest("POST", urlPath, body, nil)
	return mapError(err)
}

func (c *HTTPClient) SendTyping(roomID string, typing bool, timeoutMS int) error {
	urlPath := c.cli.BuildURL("rooms", roomID, "typing", c.userID)
	body := map[string]interface{}{
		"typing": typing,
	}
	if typing {
		body["timeout"] = timeoutMS
	}
	err := c.cli.MakeRequest("PUT", urlPath, body, nil)
	return mapError(err)
}
