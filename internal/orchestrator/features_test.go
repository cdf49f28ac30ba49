package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/BTreeMap/ScanPipe/internal/models"
	"github.com/cucumber/godog"
)

// screeningContext holds state for a single scenario
type screeningContext struct {
	tmpDir string
	h      *harness
	err    error
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

func InitializeScenario(sc *godog.ScenarioContext) {
	tc := &screeningContext{}

	sc.Before(func(ctx context.Context, s *godog.Scenario) (context.Context, error) {
		tmpDir, err := os.MkdirTemp("", "scanpipe-e2e-*")
		if err != nil {
			return ctx, err
		}
		tc.tmpDir = tmpDir
		tc.h = nil
		tc.err = nil
		return ctx, nil
	})

	sc.After(func(ctx context.Context, s *godog.Scenario, err error) (context.Context, error) {
		if tc.h != nil {
			tc.h.close()
		}
		if tc.tmpDir != "" {
			os.RemoveAll(tc.tmpDir)
		}
		return ctx, nil
	})

	sc.Step(`^a screening station with a paired scanner$`, tc.aScreeningStation)
	sc.Step(`^doctor "([^"]*)" and patient "([^"]*)" are selected$`, tc.doctorAndPatientSelected)
	sc.Step(`^no scanner is paired$`, tc.noScannerIsPaired)
	sc.Step(`^the scanner is connected$`, tc.theScannerIsConnected)
	sc.Step(`^the operator connects the scanner$`, tc.theOperatorConnects)
	sc.Step(`^the operator starts the screening$`, tc.theOperatorStarts)
	sc.Step(`^the operator captures (\d+) images?$`, tc.theOperatorCaptures)
	sc.Step(`^the operator regenerates the report$`, tc.theOperatorRegenerates)
	sc.Step(`^the operator resets the session$`, tc.theOperatorResets)
	sc.Step(`^the scanner sends "([^"]*)"$`, tc.theScannerSends)
	sc.Step(`^the report server answers (\d+) "([^"]*)"$`, tc.theReportServerAnswers)
	sc.Step(`^the report server recovers$`, tc.theReportServerRecovers)
	sc.Step(`^the session state should be "([^"]*)"$`, tc.theStateShouldBe)
	sc.Step(`^the session state should eventually be "([^"]*)"$`, tc.theStateShouldEventuallyBe)
	sc.Step(`^the current step should be "([^"]*)"$`, tc.theCurrentStepShouldBe)
	sc.Step(`^(\d+) images? should be captured$`, tc.imagesShouldBeCaptured)
	sc.Step(`^exactly (\d+) uploads? should have been made$`, tc.uploadsShouldHaveBeenMade)
	sc.Step(`^a "([^"]*)" alert should be raised$`, tc.anAlertShouldBeRaised)
	sc.Step(`^a "([^"]*)" alert should be raised with message "([^"]*)"$`, tc.anAlertWithMessage)
	sc.Step(`^a "([^"]*)" alert should be raised with file URL "([^"]*)"$`, tc.anAlertWithFileURL)
	sc.Step(`^the scanner should not be connected$`, tc.theScannerShouldNotBeConnected)
}

func (tc *screeningContext) aScreeningStation() error {
	h, err := buildHarness(tc.tmpDir)
	if err != nil {
		return err
	}
	tc.h = h
	return nil
}

func (tc *screeningContext) doctorAndPatientSelected(doctor, patient string) error {
	if err := tc.h.orch.SelectDoctor(doctor); err != nil {
		return err
	}
	return tc.h.orch.SelectPatient(patient)
}

func (tc *screeningContext) noScannerIsPaired() error {
	tc.h.platform.Devices = nil
	return nil
}

func (tc *screeningContext) theScannerIsConnected() error {
	return tc.h.connect()
}

func (tc *screeningContext) theOperatorConnects() error {
	_, tc.err = tc.h.orch.ConnectDevice(context.Background())
	return nil
}

func (tc *screeningContext) theOperatorStarts() error {
	return tc.h.orch.StartScreening()
}

func (tc *screeningContext) theOperatorCaptures(n int) error {
	for i := 0; i < n; i++ {
		if err := tc.h.orch.Capture(context.Background()); err != nil {
			return fmt.Errorf("capture %d: %w", i, err)
		}
	}
	return nil
}

func (tc *screeningContext) theOperatorRegenerates() error {
	return tc.h.orch.Regenerate()
}

func (tc *screeningContext) theOperatorResets() error {
	tc.h.orch.Reset()
	return nil
}

func (tc *screeningContext) theScannerSends(payload string) error {
	if tc.h.platform.LastLink() == nil {
		return fmt.Errorf("scanner not connected")
	}
	tc.h.press(payload)
	return nil
}

func (tc *screeningContext) theReportServerAnswers(status int, message string) error {
	tc.h.uploader.setErr(&models.UploadError{StatusCode: status, Message: message})
	return nil
}

func (tc *screeningContext) theReportServerRecovers() error {
	tc.h.uploader.setErr(nil)
	return nil
}

func (tc *screeningContext) theStateShouldBe(state string) error {
	if got := tc.h.orch.Snapshot().State; got != models.SessionState(state) {
		return fmt.Errorf("expected state %s, got %s", state, got)
	}
	return nil
}

func (tc *screeningContext) theStateShouldEventuallyBe(state string) error {
	_, err := tc.h.waitForState(models.SessionState(state))
	return err
}

func (tc *screeningContext) theCurrentStepShouldBe(label string) error {
	snap := tc.h.orch.Snapshot()
	if snap.Step == nil {
		return fmt.Errorf("no current step in state %s", snap.State)
	}
	if got := snap.Step.Label(); got != label {
		return fmt.Errorf("expected step %q, got %q", label, got)
	}
	return nil
}

func (tc *screeningContext) imagesShouldBeCaptured(n int) error {
	if got := tc.h.orch.Snapshot().ImageCount(); got != n {
		return fmt.Errorf("expected %d images, got %d", n, got)
	}
	return nil
}

func (tc *screeningContext) uploadsShouldHaveBeenMade(n int) error {
	if got := tc.h.uploader.Calls(); got != n {
		return fmt.Errorf("expected %d uploads, got %d", n, got)
	}
	return nil
}

func (tc *screeningContext) anAlertShouldBeRaised(kind string) error {
	_, err := tc.h.waitForAlert(models.AlertKind(kind))
	return err
}

func (tc *screeningContext) anAlertWithMessage(kind, message string) error {
	a, err := tc.h.waitForAlert(models.AlertKind(kind))
	if err != nil {
		return err
	}
	if a.Message != message {
		return fmt.Errorf("expected alert message %q, got %q", message, a.Message)
	}
	return nil
}

func (tc *screeningContext) anAlertWithFileURL(kind, url string) error {
	a, err := tc.h.waitForAlert(models.AlertKind(kind))
	if err != nil {
		return err
	}
	if a.FileURL != url {
		return fmt.Errorf("expected file URL %q, got %q", url, a.FileURL)
	}
	return nil
}

func (tc *screeningContext) theScannerShouldNotBeConnected() error {
	if !errors.Is(tc.err, models.ErrDeviceNotPaired) {
		return fmt.Errorf("expected ErrDeviceNotPaired, got %v", tc.err)
	}
	if tc.h.orch.DeviceHandle() != nil || tc.h.orch.Snapshot().DeviceConnected {
		return fmt.Errorf("scanner reported as connected")
	}
	return nil
}
