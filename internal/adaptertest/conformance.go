// Package adaptertest provides stack-agnostic conformance testing for radio adapters.
package adaptertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/radio-control/beaconnode/internal/adapter"
)

// Capabilities defines the expected capabilities for conformance testing.
type Capabilities struct {
	// StackID selects the error mapping table, e.g. "bluez" or "generic".
	StackID string

	// ScanWindow is the window used for scan tests. Real stacks should use a short one.
	ScanWindow time.Duration

	// MaxCallLatency bounds how long a single non-blocking call may take.
	MaxCallLatency time.Duration
}

// ConformanceResult represents the result of a conformance test.
type ConformanceResult struct {
	TestName string
	Passed   bool
	Error    string
	Duration time.Duration
	Details  map[string]interface{}
}

// ConformanceReport represents the complete conformance test report.
type ConformanceReport struct {
	AdapterName   string
	TotalTests    int
	PassedTests   int
	FailedTests   int
	Results       []ConformanceResult
	OverallPassed bool
	Duration      time.Duration
}

// RunConformance runs the complete conformance test suite for an adapter.
func RunConformance(t *testing.T, name string, newRadio func() adapter.Radio, caps Capabilities) {
	startTime := time.Now()
	if caps.ScanWindow <= 0 {
		caps.ScanWindow = 100 * time.Millisecond
	}
	if caps.MaxCallLatency <= 0 {
		caps.MaxCallLatency = time.Second
	}

	report := &ConformanceReport{
		AdapterName:   name,
		Results:       []ConformanceResult{},
		OverallPassed: true,
	}

	runAddressTests(newRadio, caps, report)
	runAdvertisingTests(newRadio, caps, report)
	runInvalidParamsTests(newRadio, caps, report)
	runScanTests(newRadio, caps, report)
	runCancellationTests(newRadio, caps, report)

	report.Duration = time.Since(startTime)

	printConformanceReport(t, report)

	if !report.OverallPassed {
		t.Fatalf("Adapter conformance test failed: %d/%d tests passed", report.PassedTests, report.TotalTests)
	}
}

func runAddressTests(newRadio func() adapter.Radio, caps Capabilities, report *ConformanceReport) {
	radio := newRadio()
	defer radio.Close()

	result := ConformanceResult{TestName: "Address_Basic", Details: make(map[string]interface{})}
	start := time.Now()
	addr, err := radio.Address(context.Background())
	result.Duration = time.Since(start)

	switch {
	case err != nil:
		result.Error = fmt.Sprintf("Address failed: %v", err)
	case addr == adapter.Address{}:
		result.Error = "Address returned the zero address"
	default:
		result.Passed = true
		result.Details["address"] = addr.String()
	}
	report.addResult(result)
}

func runAdvertisingTests(newRadio func() adapter.Radio, caps Capabilities, report *ConformanceReport) {
	radio := newRadio()
	defer radio.Close()
	ctx := context.Background()

	result := ConformanceResult{TestName: "Advertising_StartStop", Details: make(map[string]interface{})}
	start := time.Now()
	err := radio.ConfigureAdvertising(ctx, adapter.DefaultAdvertisingParams)
	if err == nil {
		err = radio.StartAdvertising(ctx)
	}
	if err == nil {
		err = radio.StopAdvertising(ctx)
	}
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = fmt.Sprintf("advertising sequence failed: %v", err)
	} else if result.Duration > 3*caps.MaxCallLatency {
		result.Error = fmt.Sprintf("advertising sequence took %v", result.Duration)
	} else {
		result.Passed = true
	}
	report.addResult(result)

	// Stopping twice must be harmless
	result = ConformanceResult{TestName: "Advertising_StopIdempotent", Details: make(map[string]interface{})}
	start = time.Now()
	err = radio.StopAdvertising(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = fmt.Sprintf("second StopAdvertising failed: %v", err)
	} else {
		result.Passed = true
	}
	report.addResult(result)
}

func runInvalidParamsTests(newRadio func() adapter.Radio, caps Capabilities, report *ConformanceReport) {
	radio := newRadio()
	defer radio.Close()

	params := adapter.DefaultAdvertisingParams
	params.IntervalMin = adapter.MinAdvertisingInterval - 1

	result := ConformanceResult{TestName: "Advertising_InvalidRange", Details: make(map[string]interface{})}
	start := time.Now()
	err := radio.ConfigureAdvertising(context.Background(), params)
	result.Duration = time.Since(start)

	normalized := adapter.FatalWithStack(adapter.OpConfigureAdvertising, err, caps.StackID)
	if err == nil {
		result.Error = "interval below minimum was accepted"
	} else if !errors.Is(normalized, adapter.ErrInvalidRange) {
		result.Error = fmt.Sprintf("expected INVALID_RANGE, got %v", normalized)
	} else {
		result.Passed = true
		result.Details["error"] = err.Error()
	}
	report.addResult(result)
}

func runScanTests(newRadio func() adapter.Radio, caps Capabilities, report *ConformanceReport) {
	radio := newRadio()
	defer radio.Close()
	ctx := context.Background()

	observed := make(chan adapter.PeerObservation, 64)
	radio.SetDiscoveryHandler(func(p adapter.PeerObservation) {
		select {
		case observed <- p:
		default:
		}
	})

	result := ConformanceResult{TestName: "Scan_NonBlocking", Details: make(map[string]interface{})}
	start := time.Now()
	err := radio.ConfigureScan(ctx, adapter.DefaultScanParams)
	if err == nil {
		err = radio.StartScan(ctx, caps.ScanWindow)
	}
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = fmt.Sprintf("scan failed: %v", err)
	} else if result.Duration > caps.MaxCallLatency {
		result.Error = fmt.Sprintf("StartScan blocked for %v", result.Duration)
	} else {
		result.Passed = true
	}
	report.addResult(result)

	// Let the window elapse, then a new window must be accepted
	time.Sleep(caps.ScanWindow + 50*time.Millisecond)
	result = ConformanceResult{TestName: "Scan_Rearm", Details: make(map[string]interface{})}
	start = time.Now()
	err = radio.StartScan(ctx, caps.ScanWindow)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = fmt.Sprintf("second scan window failed: %v", err)
	} else {
		result.Passed = true
		result.Details["observations"] = len(observed)
	}
	report.addResult(result)
}

func runCancellationTests(newRadio func() adapter.Radio, caps Capabilities, report *ConformanceReport) {
	radio := newRadio()
	defer radio.Close()

	result := ConformanceResult{TestName: "ContextCancellation", Details: make(map[string]interface{})}
	start := time.Now()

	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancel()

	err := radio.StartAdvertising(cancelledCtx)
	result.Duration = time.Since(start)
	if err == nil {
		result.Error = "StartAdvertising with cancelled context should have failed"
	} else {
		result.Passed = true
		result.Details["error"] = err.Error()
	}
	report.addResult(result)
}

func (r *ConformanceReport) addResult(result ConformanceResult) {
	r.Results = append(r.Results, result)
	r.TotalTests++
	if result.Passed {
		r.PassedTests++
	} else {
		r.FailedTests++
		r.OverallPassed = false
	}
}

func printConformanceReport(t *testing.T, report *ConformanceReport) {
	t.Logf("\n%s", strings.Repeat("=", 80))
	t.Logf("ADAPTER CONFORMANCE REPORT")
	t.Logf("%s", strings.Repeat("=", 80))
	t.Logf("Adapter: %s", report.AdapterName)
	t.Logf("Total Tests: %d", report.TotalTests)
	t.Logf("Passed: %d", report.PassedTests)
	t.Logf("Failed: %d", report.FailedTests)
	t.Logf("Overall: %s", map[bool]string{true: "PASS", false: "FAIL"}[report.OverallPassed])
	t.Logf("Duration: %v", report.Duration)
	t.Logf("%s", strings.Repeat("-", 80))

	t.Logf("%-30s %-8s %-12s %-s", "TEST NAME", "RESULT", "DURATION", "DETAILS")
	t.Logf("%s", strings.Repeat("-", 80))

	for _, result := range report.Results {
		status := "PASS"
		if !result.Passed {
			status = "FAIL"
		}

		details := result.Error
		if details == "" && len(result.Details) > 0 {
			var detailParts []string
			for k, v := range result.Details {
				detailParts = append(detailParts, fmt.Sprintf("%s=%v", k, v))
			}
			details = strings.Join(detailParts, ", ")
		}

		t.Logf("%-30s %-8s %-12s %-s", result.TestName, status, result.Duration.String(), details)
	}

	t.Logf("%s", strings.Repeat("=", 80))
}
