// Package notify batches fediverse engagement into chat DMs for local
// authors.
package notify

import (
	"context"
	"fmt"
	"net/url"

	"github.com/klppl/skybridge/internal/pds"
)

// chatProxy routes chat XRPC calls through the PDS to the Bluesky chat
// service appview.
var chatProxy = map[string]string{
	"atproto-proxy": "did:web:api.bsky.chat#bsky_chat",
}

// ChatClient sends direct messages from a bridge account.
type ChatClient struct {
	account *pds.Account
}

func NewChatClient(account *pds.Account) *ChatClient {
	return &ChatClient{account: account}
}

// SendDM delivers one text message to a local account, creating or reusing
// the 1:1 conversation.
func (c *ChatClient) SendDM(ctx context.Context, recipientDID, text string) error {
	params := url.Values{}
	params.Add("members", recipientDID)
	var convo struct {
		Convo struct {
			ID string `json:"id"`
		} `json:"convo"`
	}
	if err := c.account.GetProxied(ctx, "chat.bsky.convo.getConvoForMembers", params, &convo, chatProxy); err != nil {
		return fmt.Errorf("get convo with %s: %w", recipientDID, err)
	}

	body := map[string]interface{}{
		"convoId": convo.Convo.ID,
		"message": map[string]string{"text": text},
	}
	if err := c.account.PostProxied(ctx, "chat.bsky.convo.sendMessage", body, nil, chatProxy); err != nil {
		return fmt.Errorf("send message to %s: %w", recipientDID, err)
	}
	return nil
}
