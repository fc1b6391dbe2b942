package devicelink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/devicelink/pkg/controller"
	"github.com/MarkoPoloResearchLab/devicelink/pkg/macaddr"
)

// Keys probed on remote voucher rows.
var (
	voucherCodeKeys   = []string{"code", "voucherCode", "voucher_code", "voucher", "pin"}
	voucherMACKeys    = []string{"clientMac", "mac", "macAddress", "usedMac", "deviceMac", "client_mac", "used_mac", "staMac"}
	voucherStateKeys  = []string{"status", "state", "useStatus", "usedStatus", "voucherStatus", "usageStatus"}
	voucherCountKeys  = []string{"usedCount", "useCount", "usageCount", "usedTimes", "deviceCount", "onlineCount", "usedDevices", "used"}
	voucherNestedKeys = []string{"clients", "devices", "clientList"}
)

var usedStates = map[string]struct{}{
	"used":   {},
	"inuse":  {},
	"in_use": {},
	"active": {},
	"online": {},
	"1":      {},
	"2":      {},
}

// VoucherLister pages through a remote voucher group.
type VoucherLister interface {
	ListGroupVouchers(ctx context.Context, groupID string, page, pageSize int) (controller.Rows, error)
}

// Usage is a locally-issued voucher the controller reports as redeemed. MAC is
// empty when no claimed address was reported.
type Usage struct {
	Code          VoucherCode
	MAC           string
	RemoteGroupID string
}

// ScanFailure records a voucher group that could not be listed.
type ScanFailure struct {
	RemoteGroupID string
	Err           error
}

// ScanReport is the result of scanning one billing month.
type ScanReport struct {
	Candidates int
	Usages     []Usage
	Failures   []ScanFailure
}

// Scanner resolves remote usage for the vouchers issued in a month.
type Scanner struct {
	store    Store
	lister   VoucherLister
	pageSize int
	maxPages int
}

// NewScanner wires a Scanner.
func NewScanner(store Store, lister VoucherLister) (*Scanner, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if lister == nil {
		return nil, fmt.Errorf("%w: controller dependency is nil", ErrInvalidServiceConfig)
	}
	return &Scanner{store: store, lister: lister, pageSize: scanPageSize, maxPages: scanMaxPages}, nil
}

type groupScan struct {
	groupID string
	codes   map[string]struct{}
}

// FindUsageForMonth lists the month's candidate vouchers, pages each remote group,
// and returns one usage per used code, keeping the first non-empty MAC reported.
// A group that cannot be listed is recorded as a failure and skipped; an
// authentication failure aborts the scan with ErrControllerUnavailable.
func (scanner *Scanner) FindUsageForMonth(ctx context.Context, month BillingMonth) (ScanReport, error) {
	candidates, err := scanner.store.ListMonthVouchers(ctx, month)
	if err != nil {
		return ScanReport{}, WrapError(OperationScanGroup, errorSubjectScanner, errorCodeListVouchers, err)
	}
	report := ScanReport{Candidates: len(candidates)}
	groups := groupCandidates(candidates)

	var order []string
	seen := map[string]Usage{}
	for _, group := range groups {
		if err := scanner.scanGroup(ctx, group, &order, seen); err != nil {
			if controller.IsAuthFailure(err) {
				return report, WrapError(OperationScanGroup, errorSubjectScanner, errorCodeUnavailable, err)
			}
			report.Failures = append(report.Failures, ScanFailure{RemoteGroupID: group.groupID, Err: err})
		}
	}

	deduplicated := map[string]struct{}{}
	for _, code := range order {
		usage := seen[code]
		macKey := usage.MAC
		if macKey == "" {
			macKey = noMACKey
		}
		key := usage.Code.String() + "|" + macKey
		if _, duplicate := deduplicated[key]; duplicate {
			continue
		}
		deduplicated[key] = struct{}{}
		report.Usages = append(report.Usages, usage)
	}
	return report, nil
}

func groupCandidates(candidates []MonthVoucher) []groupScan {
	var groups []groupScan
	index := map[string]int{}
	for _, candidate := range candidates {
		groupID := strings.TrimSpace(candidate.RemoteGroupID)
		if groupID == "" {
			continue
		}
		position, known := index[groupID]
		if !known {
			position = len(groups)
			index[groupID] = position
			groups = append(groups, groupScan{groupID: groupID, codes: map[string]struct{}{}})
		}
		groups[position].codes[candidate.Code.String()] = struct{}{}
	}
	return groups
}

func (scanner *Scanner) scanGroup(ctx context.Context, group groupScan, order *[]string, seen map[string]Usage) error {
	for page := 1; page <= scanner.maxPages; page++ {
		rows, err := scanner.lister.ListGroupVouchers(ctx, group.groupID, page, scanner.pageSize)
		if err != nil {
			if controller.IsResponseShapeError(err) {
				return nil
			}
			return err
		}
		for _, row := range rows {
			code, err := NewVoucherCode(row.String(voucherCodeKeys...))
			if err != nil {
				continue
			}
			if _, local := group.codes[code.String()]; !local {
				continue
			}
			mac := claimedMAC(row)
			if mac == "" && !usedSignal(row) {
				continue
			}
			existing, known := seen[code.String()]
			if !known {
				*order = append(*order, code.String())
				seen[code.String()] = Usage{Code: code, MAC: mac, RemoteGroupID: group.groupID}
				continue
			}
			if existing.MAC == "" && mac != "" {
				existing.MAC = mac
				existing.RemoteGroupID = group.groupID
				seen[code.String()] = existing
			}
		}
		if len(rows) < scanner.pageSize {
			return nil
		}
	}
	return nil
}

func claimedMAC(row controller.Row) string {
	if mac := macaddr.Normalize(row.String(voucherMACKeys...)); mac != "" {
		return mac
	}
	for _, key := range voucherNestedKeys {
		nested, ok := row.List(key)
		if !ok {
			continue
		}
		for _, client := range nested {
			if mac := macaddr.Normalize(client.String(voucherMACKeys...)); mac != "" {
				return mac
			}
		}
	}
	return ""
}

func usedSignal(row controller.Row) bool {
	for _, key := range voucherStateKeys {
		state := strings.ToLower(strings.ReplaceAll(row.String(key), " ", ""))
		if _, used := usedStates[state]; used {
			return true
		}
	}
	if used, ok := row["used"].(bool); ok && used {
		return true
	}
	for _, key := range voucherCountKeys {
		if count, ok := row.Int(key); ok && count > 0 {
			return true
		}
	}
	return false
}

// IsControllerUnavailable reports whether err means the controller could not be used this cycle.
func IsControllerUnavailable(err error) bool {
	return errors.Is(err, controller.ErrControllerUnavailable)
}
