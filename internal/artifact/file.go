package artifact

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/chargeflow/internal/charge/domain"
)

const header = "MSISDN\tIsSuccessful\tChargeId\tChargeAmount\tSMSChargeId\tSMSChargeAmount\tBillingPeriodStart\tBillingPeriodEnd\tDateCharged\tErrorMessage"

// Generate renders the tab-separated charge list for one batch, framed by the
// run's billing period. One row per item, trailing total-charge footer row.
func Generate(items []domain.ChargeItem, periodStart, periodEnd time.Time) []byte {
	var buf bytes.Buffer
	buf.WriteString(header + "\n")
	for _, item := range items {
		writeRow(&buf, item, formatDate(periodStart), formatDate(periodEnd))
	}
	writeFooter(&buf, items)
	return buf.Bytes()
}

// GenerateWithItemPeriods renders the charge list for a file-originated
// batch, where each item carries its own billing window.
func GenerateWithItemPeriods(items []domain.ChargeItem) []byte {
	var buf bytes.Buffer
	buf.WriteString(header + "\n")
	for _, item := range items {
		start := ""
		end := ""
		if item.BillingStartDate != nil {
			start = formatDate(*item.BillingStartDate)
		}
		if item.BillingEndDate != nil {
			end = formatDate(*item.BillingEndDate)
		}
		writeRow(&buf, item, start, end)
	}
	writeFooter(&buf, items)
	return buf.Bytes()
}

// GroupSection is one customer's slice of a combined group artifact.
type GroupSection struct {
	CustomerName string
	Items        []domain.ChargeItem
	PeriodStart  time.Time
	PeriodEnd    time.Time
}

// GenerateGroup renders one combined artifact for a whole batch group,
// sectioned by customer.
func GenerateGroup(sections []GroupSection) []byte {
	var buf bytes.Buffer
	for i, section := range sections {
		if i > 0 {
			buf.WriteString("\n")
		}
		fmt.Fprintf(&buf, "Customer: %s\n", section.CustomerName)
		buf.WriteString(header + "\n")
		for _, item := range section.Items {
			writeRow(&buf, item, formatDate(section.PeriodStart), formatDate(section.PeriodEnd))
		}
		writeFooter(&buf, section.Items)
	}
	return buf.Bytes()
}

// IsSuccessful reports whether an item charged successfully: processed with
// at least one provider charge id assigned.
func IsSuccessful(item domain.ChargeItem) bool {
	return item.IsProcessed && (parsedID(item.ChargeID) > 0 || parsedID(item.SmsChargeID) > 0)
}

func writeRow(buf *bytes.Buffer, item domain.ChargeItem, periodStart, periodEnd string) {
	successful := IsSuccessful(item)
	chargeID := ""
	smsChargeID := ""
	if successful {
		chargeID = item.ChargeID
		smsChargeID = item.SmsChargeID
	}
	fmt.Fprintf(buf, "%s\t%t\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
		item.MSISDN,
		successful,
		chargeID,
		formatAmount(item.DeviceCharge),
		smsChargeID,
		formatAmount(item.SmsChargeAmount),
		periodStart,
		periodEnd,
		item.UpdatedAt.Format("2006-01-02 15:04:05"),
		sanitize(item.ErrorMessage),
	)
}

func writeFooter(buf *bytes.Buffer, items []domain.ChargeItem) {
	var total float64
	for _, item := range items {
		total += item.DeviceCharge
	}
	fmt.Fprintf(buf, "\t\t\t%s\t\t\t\t\n", formatAmount(total))
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func formatDate(t time.Time) string {
	return t.Format("2006-01-02")
}

func parsedID(raw string) int64 {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func sanitize(message string) string {
	replacer := strings.NewReplacer("\r", " ", "\n", " ", "\t", " ")
	return replacer.Replace(message)
}
