// Command runner executes a single script from the command line with
// retry, history recording, performance gates and optional JUnit output —
// the CLI surface of spec §6. Grounded on the teacher's flag-driven
// services/control-plane/main.go style, generalized to the script
// execution flag set.
package main

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/scriptguard/runner/internal/alert"
	"github.com/scriptguard/runner/internal/config"
	"github.com/scriptguard/runner/internal/engine"
	"github.com/scriptguard/runner/internal/execctl"
	"github.com/scriptguard/runner/internal/history"
	"github.com/scriptguard/runner/internal/model"
	"github.com/scriptguard/runner/internal/notify"
	"github.com/scriptguard/runner/internal/platform/logging"
	"github.com/scriptguard/runner/internal/runregistry"
)

type gateFlags []model.PerformanceGate

func (g *gateFlags) String() string { return "" }

func (g *gateFlags) Set(value string) error {
	// Format: metric_name:max=<v>,min=<v> — matches the teacher's terse
	// flag-value encoding style elsewhere in the pack's CLI tools.
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid --add-gate value %q", value)
	}
	gate := model.PerformanceGate{MetricName: parts[0]}
	for _, kv := range strings.Split(parts[1], ",") {
		kvParts := strings.SplitN(kv, "=", 2)
		if len(kvParts) != 2 {
			continue
		}
		v, err := strconv.ParseFloat(kvParts[1], 64)
		if err != nil {
			return fmt.Errorf("invalid gate threshold %q: %w", kv, err)
		}
		switch kvParts[0] {
		case "max":
			gate.MaxValue = &v
		case "min":
			gate.MinValue = &v
		}
	}
	*g = append(*g, gate)
	return nil
}

func main() {
	timeout := flag.Float64("timeout", 0, "execution timeout in seconds (0 disables)")
	configPath := flag.String("config", "", "path to YAML configuration")
	historyDB := flag.String("history-db", "history.db", "path to the execution history database")
	jsonOutput := flag.String("json-output", "", "path to write the execution record as JSON (empty disables)")
	junitOutput := flag.String("junit-output", "", "path to write a JUnit XML report")
	failOnGateFailure := flag.Bool("fail-on-gate-failure", false, "exit non-zero if any performance gate fails")
	retryStrategy := flag.String("retry-strategy", "exponential", "retry strategy: fixed|linear|exponential|fibonacci")
	maxAttempts := flag.Int("max-attempts", 1, "maximum execution attempts")
	initialDelay := flag.Float64("initial-delay", 1.0, "initial retry delay in seconds")
	maxDelay := flag.Float64("max-delay", 60.0, "maximum retry delay in seconds")
	alertConfig := flag.String("alert-config", "", "path to alert rule configuration (defaults to --config)")
	slackWebhook := flag.String("slack-webhook", "", "Slack incoming webhook URL for alert delivery")
	emailTo := flag.String("email-to", "", "email address for alert delivery")
	allowedRoot := flag.String("allowed-root", ".", "root directory scripts must resolve within")
	flagAnalyzeTrend := flag.Bool("analyze-trend", false, "print trend analysis for each recorded metric")
	flagDetectRegression := flag.Bool("detect-regression", false, "warn when a metric regresses beyond its historical mean+2*stddev")
	flagDetectAnomalies := flag.Bool("detect-anomalies", false, "flag metrics more than 3 standard deviations from their historical mean")
	var gates gateFlags
	flag.Var(&gates, "add-gate", "performance gate, format metric:max=V,min=V (repeatable)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: runner [flags] <script> [-- args...]")
		os.Exit(2)
	}
	scriptPath := flag.Arg(0)
	argv := flag.Args()[1:]

	log := logging.Init("scriptguard-runner")

	cfgPath := *configPath
	if *alertConfig != "" {
		cfgPath = *alertConfig
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg.PerformanceGates = append(cfg.PerformanceGates, gates...)
	if *slackWebhook != "" {
		cfg.Notifications.SlackWebhookURL = *slackWebhook
	}
	if *emailTo != "" {
		cfg.Notifications.EmailTo = *emailTo
	}

	hist, err := history.Open(*historyDB)
	if err != nil {
		log.Error("failed to open history store", "error", err)
		os.Exit(1)
	}
	defer hist.Close()

	sinks := notify.Registry{"stdout": notify.StdoutSink{Log: log}}
	if cfg.Notifications.SlackWebhookURL != "" {
		sinks["chat_webhook"] = notify.NewChatWebhookSink(cfg.Notifications.SlackWebhookURL)
	}
	if cfg.Notifications.EmailTo != "" {
		sinks["email"] = notify.NewEmailSink()
	}
	evaluator := alert.New(cfg.Alerts, sinks, log)

	validator := execctl.NewValidator(*allowedRoot)
	ctrl := execctl.New(validator, log)

	registryPath := filepath.Join(os.TempDir(), fmt.Sprintf("scriptguard-cli-runs-%d.db", os.Getpid()))
	registry, err := runregistry.Open(registryPath)
	if err != nil {
		log.Error("failed to open run registry", "error", err)
		os.Exit(1)
	}
	defer registry.Close()
	defer os.Remove(registryPath)

	eng := engine.New(ctrl, hist, registry, evaluator, log)

	req := model.RunRequest{
		ScriptPath:     scriptPath,
		Argv:           argv,
		TimeoutSeconds: *timeout,
		Retry: &model.RetryConfig{
			Strategy:     *retryStrategy,
			MaxAttempts:  *maxAttempts,
			InitialDelay: *initialDelay,
			MaxDelay:     *maxDelay,
		},
	}

	ctx := context.Background()
	rec := eng.RunSync(ctx, req, "cli-run")

	gateResults := alert.EvaluateGates(cfg.PerformanceGates, rec.Result.Metrics)

	printHuman(rec, gateResults)
	if *jsonOutput != "" {
		if err := writeJSONFile(*jsonOutput, rec); err != nil {
			log.Error("failed to write JSON output", "error", err)
		}
	}

	if *junitOutput != "" {
		if err := writeJUnit(*junitOutput, rec); err != nil {
			log.Error("failed to write JUnit report", "error", err)
		}
	}

	if *flagAnalyzeTrend {
		printTrendAnalysis(ctx, hist, scriptPath, rec)
	}
	if *flagDetectRegression {
		checkRegressions(ctx, hist, scriptPath, rec)
	}
	if *flagDetectAnomalies {
		printAnomalies(ctx, hist, scriptPath, rec)
	}

	exitCode := 0
	if rec.Status != model.RunCompleted {
		exitCode = 1
	}
	if *failOnGateFailure {
		for _, g := range gateResults {
			if !g.Passed {
				exitCode = 1
			}
		}
	}
	os.Exit(exitCode)
}

func printHuman(rec model.RunRecord, gates []model.GateResult) {
	fmt.Printf("run %s: status=%s exit_code=%d duration=%.3fs\n",
		rec.RunID, rec.Status, rec.Result.ExitCode, rec.Result.DurationSecs)
	for _, g := range gates {
		status := "PASS"
		if !g.Passed {
			status = "FAIL"
		}
		fmt.Printf("  gate %s: observed=%.3f [%s]\n", g.Gate.MetricName, g.Observed, status)
	}
}

func writeJSONFile(path string, rec model.RunRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create json output: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func sortedMetricNames(metrics map[string]float64) []string {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func printTrendAnalysis(ctx context.Context, hist *history.Store, scriptPath string, rec model.RunRecord) {
	for _, name := range sortedMetricNames(rec.Result.Metrics) {
		agg, err := hist.GetAggregatedMetrics(ctx, scriptPath, name)
		if err != nil || agg.Count == 0 {
			continue
		}
		current := rec.Result.Metrics[name]
		direction := "stable"
		switch {
		case current > agg.Mean+agg.Stddev:
			direction = "trending up"
		case current < agg.Mean-agg.Stddev:
			direction = "trending down"
		}
		fmt.Printf("trend %s: current=%.3f mean=%.3f stddev=%.3f p95=%.3f (%s, n=%d)\n",
			name, current, agg.Mean, agg.Stddev, agg.P95, direction, agg.Count)
	}
}

func checkRegressions(ctx context.Context, hist *history.Store, scriptPath string, rec model.RunRecord) {
	for _, name := range sortedMetricNames(rec.Result.Metrics) {
		agg, err := hist.GetAggregatedMetrics(ctx, scriptPath, name)
		if err != nil || agg.Count < 2 {
			continue
		}
		current := rec.Result.Metrics[name]
		threshold := agg.Mean + 2*agg.Stddev
		if current > threshold {
			fmt.Printf("REGRESSION %s: current=%.3f exceeds mean+2*stddev=%.3f (mean=%.3f stddev=%.3f)\n",
				name, current, threshold, agg.Mean, agg.Stddev)
		}
	}
}

func printAnomalies(ctx context.Context, hist *history.Store, scriptPath string, rec model.RunRecord) {
	for _, name := range sortedMetricNames(rec.Result.Metrics) {
		agg, err := hist.GetAggregatedMetrics(ctx, scriptPath, name)
		if err != nil || agg.Count < 2 || agg.Stddev == 0 {
			continue
		}
		current := rec.Result.Metrics[name]
		zscore := (current - agg.Mean) / agg.Stddev
		if zscore > 3 || zscore < -3 {
			fmt.Printf("ANOMALY %s: current=%.3f z-score=%.2f mean=%.3f stddev=%.3f\n",
				name, current, zscore, agg.Mean, agg.Stddev)
		}
	}
}

type junitTestSuite struct {
	XMLName   xml.Name        `xml:"testsuite"`
	Name      string          `xml:"name,attr"`
	Tests     int             `xml:"tests,attr"`
	Failures  int             `xml:"failures,attr"`
	TestCases []junitTestCase `xml:"testcase"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
}

func writeJUnit(path string, rec model.RunRecord) error {
	suite := junitTestSuite{
		Name:  rec.Request.ScriptPath,
		Tests: 1,
	}
	tc := junitTestCase{Name: rec.Request.ScriptPath, Time: rec.Result.DurationSecs}
	if rec.Status != model.RunCompleted {
		suite.Failures = 1
		tc.Failure = &junitFailure{Message: rec.Error}
	}
	suite.TestCases = []junitTestCase{tc}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create junit report: %w", err)
	}
	defer f.Close()
	enc := xml.NewEncoder(f)
	enc.Indent("", "  ")
	return enc.Encode(suite)
}
