package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarkoPoloResearchLab/devicelink/pkg/macaddr"
)

const (
	endpointClientList   = "client/list"
	endpointClientDetail = "client/detail"
	endpointClientInfo   = "client/info"
	endpointClientEdit   = "client/edit"

	// MaxClientNameLength bounds client labels written to the controller, in runes.
	MaxClientNameLength = 64

	clientPageSize = 100
	maxClientPages = 5
)

// Keys probed on client rows.
var (
	clientMACKeys       = []string{"mac", "clientMac", "macAddress", "client_mac", "staMac", "deviceMac"}
	clientNameKeys      = []string{"name", "clientName", "hostName", "hostname", "deviceName"}
	clientOSKeys        = []string{"os", "osType", "osName", "system", "deviceType", "vendor"}
	clientFirstSeenKeys = []string{"firstSeen", "firstSeenTime", "connectTime", "onlineTime", "associationTime"}
	clientLastSeenKeys  = []string{"lastSeen", "lastSeenTime", "lastActiveTime", "updateTime", "offlineTime"}
)

// Ordered endpoint tables for operations the controller exposes under several paths.
var (
	blockClientPaths   = []string{"client/block", "blacklist/add"}
	unblockClientPaths = []string{"client/unblock", "blacklist/remove"}
	groupVoucherPaths  = []string{"voucher/vouchers/list", "voucher/list", "voucher/getByGroup", "voucher/group/list"}
	deleteVoucherPaths = []string{"voucher/delete", "voucher/remove", "voucher/revoke"}
)

type callAttempt struct {
	endpoint string
	method   string
}

func (client *Client) attempts(paths []string, methods ...string) []callAttempt {
	attempts := make([]callAttempt, 0, len(paths)*len(methods))
	for _, method := range methods {
		for _, path := range paths {
			attempts = append(attempts, callAttempt{endpoint: client.config.Versioned(path), method: method})
		}
	}
	return attempts
}

// ClientRecord is a device known to the controller.
type ClientRecord struct {
	MAC       string
	Name      string
	OS        string
	FirstSeen time.Time
	LastSeen  time.Time
	Raw       Row
}

// ClientQuery restricts ListClients to devices active within [Start, End].
type ClientQuery struct {
	Start time.Time
	End   time.Time
}

// ListClients pages through the client list. Rows without a usable MAC are dropped.
func (client *Client) ListClients(ctx context.Context, query ClientQuery) ([]ClientRecord, error) {
	endpoint := client.config.Versioned(endpointClientList)
	var records []ClientRecord
	for page := 1; page <= maxClientPages; page++ {
		fields := map[string]any{"page": page, "pageSize": clientPageSize}
		if !query.Start.IsZero() {
			fields["startTime"] = query.Start.UnixMilli()
		}
		if !query.End.IsZero() {
			fields["endTime"] = query.End.UnixMilli()
		}
		envelope, err := client.Call(ctx, endpoint, fields, http.MethodPost)
		if err != nil {
			return records, err
		}
		if !IsSuccessful(envelope) {
			return records, newRejectedError(endpoint, envelope)
		}
		rows := ExtractRows(envelope)
		for _, row := range rows {
			record := clientRecordFromRow(row)
			if record.MAC == "" {
				continue
			}
			records = append(records, record)
		}
		if len(rows) < clientPageSize {
			break
		}
	}
	return records, nil
}

func clientRecordFromRow(row Row) ClientRecord {
	record := ClientRecord{
		MAC:  macaddr.Normalize(row.String(clientMACKeys...)),
		Name: row.String(clientNameKeys...),
		OS:   row.String(clientOSKeys...),
		Raw:  row,
	}
	record.FirstSeen, _ = row.Time(clientFirstSeenKeys...)
	record.LastSeen, _ = row.Time(clientLastSeenKeys...)
	return record
}

// ClientDetail returns the detail payload for one device.
func (client *Client) ClientDetail(ctx context.Context, mac string) (ClientRecord, error) {
	normalized, err := macaddr.Parse(mac)
	if err != nil {
		return ClientRecord{}, err
	}
	attempts := client.attempts([]string{endpointClientDetail, endpointClientInfo}, http.MethodPost)
	envelope, err := client.firstSuccessful(ctx, attempts, map[string]any{"mac": normalized.String()})
	if err != nil {
		return ClientRecord{}, err
	}
	record := clientRecordFromRow(ExtractPayload(envelope))
	if record.MAC == "" {
		record.MAC = normalized.String()
	}
	return record, nil
}

// RenameClient sets the device label, truncated to MaxClientNameLength runes.
func (client *Client) RenameClient(ctx context.Context, mac, name string) error {
	normalized, err := macaddr.Parse(mac)
	if err != nil {
		return err
	}
	label := TruncateName(name)
	if label == "" {
		return fmt.Errorf("%w: client name is empty", ErrInvalidConfig)
	}
	return client.expectSuccess(ctx, client.config.Versioned(endpointClientEdit), map[string]any{"mac": normalized.String(), "name": label})
}

// BlockClient denies network access to a device.
func (client *Client) BlockClient(ctx context.Context, mac string) error {
	normalized, err := macaddr.Parse(mac)
	if err != nil {
		return err
	}
	_, err = client.firstSuccessful(ctx, client.attempts(blockClientPaths, http.MethodPost), map[string]any{"mac": normalized.String()})
	return err
}

// UnblockClient restores network access to a device.
func (client *Client) UnblockClient(ctx context.Context, mac string) error {
	normalized, err := macaddr.Parse(mac)
	if err != nil {
		return err
	}
	_, err = client.firstSuccessful(ctx, client.attempts(unblockClientPaths, http.MethodPost), map[string]any{"mac": normalized.String()})
	return err
}

// ListGroupVouchers fetches one page of vouchers for a remote voucher group. Every
// listing path is tried with POST, then again with GET. An empty successful listing
// is a valid answer.
func (client *Client) ListGroupVouchers(ctx context.Context, groupID string, page, pageSize int) (Rows, error) {
	fields := map[string]any{"groupId": groupID, "page": page, "pageSize": pageSize}
	envelope, err := client.firstSuccessful(ctx, client.attempts(groupVoucherPaths, http.MethodPost, http.MethodGet), fields)
	if err != nil {
		return nil, err
	}
	return ExtractRows(envelope), nil
}

// DeleteVoucher removes a voucher code from its remote group.
func (client *Client) DeleteVoucher(ctx context.Context, groupID, code string) error {
	fields := map[string]any{"groupId": groupID, "code": code}
	_, err := client.firstSuccessful(ctx, client.attempts(deleteVoucherPaths, http.MethodPost), fields)
	return err
}

func (client *Client) expectSuccess(ctx context.Context, endpoint string, fields map[string]any) error {
	envelope, err := client.Call(ctx, endpoint, fields, http.MethodPost)
	if err != nil {
		return err
	}
	if !IsSuccessful(envelope) {
		return newRejectedError(endpoint, envelope)
	}
	return nil
}

// firstSuccessful tries attempts in order and returns the first successful envelope.
// An auth or network failure short-circuits; a rejection or an undecodable response
// moves on to the next attempt.
func (client *Client) firstSuccessful(ctx context.Context, attempts []callAttempt, fields map[string]any) (Envelope, error) {
	var lastErr error
	for _, attempt := range attempts {
		envelope, err := client.Call(ctx, attempt.endpoint, fields, attempt.method)
		if err != nil {
			if errors.Is(err, ErrControllerUnavailable) {
				return Envelope{}, err
			}
			lastErr = err
			continue
		}
		if IsSuccessful(envelope) {
			return envelope, nil
		}
		lastErr = newRejectedError(attempt.endpoint, envelope)
	}
	return Envelope{}, lastErr
}

// TruncateName trims name and cuts it to MaxClientNameLength runes.
func TruncateName(name string) string {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) <= MaxClientNameLength {
		return name
	}
	runes := []rune(name)
	return strings.TrimSpace(string(runes[:MaxClientNameLength]))
}
