package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// Callback commands are a closed set. Payloads are encoded and decoded only
// in this file, so handlers never touch raw callback strings.
type callbackAction string

const (
	actRequestKey callbackAction = "request_key"
	actMyKeys     callbackAction = "my_keys"
	actKeyQR      callbackAction = "key_qr"
	actKeyStats   callbackAction = "key_stats"

	actIssue        callbackAction = "issue"
	actIssueInbound callbackAction = "issue_inbound"
	actNewInbound   callbackAction = "new_inbound"
	actTemplate     callbackAction = "template"
	actAssign       callbackAction = "assign"
	actAssignClient callbackAction = "assign_client"
	actClientsPage  callbackAction = "clients_page"
	actReject       callbackAction = "reject"
	actRejectBlock  callbackAction = "reject_block"
	actMessage      callbackAction = "message"
	actBack         callbackAction = "back"
	actCancel       callbackAction = "cancel"

	actResetYes callbackAction = "reset_yes"
	actResetNo  callbackAction = "reset_no"
)

// callback is one decoded callback command. requestID is set for request
// actions, id carries an inbound id or a list index, email a client email.
type callback struct {
	action    callbackAction
	requestID string
	id        int
	email     string
}

const cbSep = "|"

func (c callback) encode() string {
	switch c.action {
	case actRequestKey, actMyKeys, actResetYes, actResetNo:
		return string(c.action)
	case actKeyQR, actKeyStats:
		return string(c.action) + cbSep + c.email
	case actIssueInbound, actTemplate, actAssignClient, actClientsPage:
		return string(c.action) + cbSep + c.requestID + cbSep + strconv.Itoa(c.id)
	default:
		return string(c.action) + cbSep + c.requestID
	}
}

func decodeCallback(data string) (callback, error) {
	parts := strings.Split(data, cbSep)
	c := callback{action: callbackAction(parts[0])}
	switch c.action {
	case actRequestKey, actMyKeys, actResetYes, actResetNo:
		if len(parts) != 1 {
			return callback{}, fmt.Errorf("callback %s: unexpected payload", parts[0])
		}
	case actKeyQR, actKeyStats:
		if len(parts) != 2 || parts[1] == "" {
			return callback{}, fmt.Errorf("callback %s: missing email", parts[0])
		}
		c.email = parts[1]
	case actIssueInbound, actTemplate, actAssignClient, actClientsPage:
		if len(parts) != 3 || parts[1] == "" {
			return callback{}, fmt.Errorf("callback %s: missing request id", parts[0])
		}
		id, err := strconv.Atoi(parts[2])
		if err != nil {
			return callback{}, fmt.Errorf("callback %s: bad id %q", parts[0], parts[2])
		}
		c.requestID = parts[1]
		c.id = id
	case actIssue, actNewInbound, actAssign, actReject, actRejectBlock, actMessage, actBack, actCancel:
		if len(parts) != 2 || parts[1] == "" {
			return callback{}, fmt.Errorf("callback %s: missing request id", parts[0])
		}
		c.requestID = parts[1]
	default:
		return callback{}, fmt.Errorf("unknown callback %q", parts[0])
	}
	return c, nil
}
