package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mercator-hq/aegis/pkg/audit"
	"mercator-hq/aegis/pkg/cli"
	"mercator-hq/aegis/pkg/governance"
	"mercator-hq/aegis/pkg/policy"
	"mercator-hq/aegis/pkg/policy/engine"
	"mercator-hq/aegis/pkg/runkernel"
)

var evaluateFlags struct {
	files  []string
	tenant string
	runID  string
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Govern one run described in a file",
	Long: `Drive one run through the full lifecycle: declare its audit
obligations, authorize it against the tenant's ACTIVE snapshot, bind and
decide every step, then reconcile and finalize.

Steps are evaluated but not executed; intents of allowed evaluations are
logged. Several run files are governed concurrently on governance.workers
workers. The command exits with status 2 when a run or a step is denied.

The run file is YAML or JSON:

  run_id: run-42
  subject:
    tenant_id: acme
    agent_id: deploy-bot
  input:
    request: {action: deploy}
  metrics: {cost_usd: 12}
  steps:
    - name: list
      input:
        request: {action: ls}

Examples:
  aegis evaluate --file run.yaml
  aegis evaluate -f deploy.yaml -f cleanup.yaml -o csv
  cat run.json | aegis evaluate --file - -o json`,
	Args: cobra.NoArgs,
	RunE: evaluateRun,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringArrayVarP(&evaluateFlags.files, "file", "f", nil, "run file, - for stdin (repeatable)")
	evaluateCmd.Flags().StringVarP(&evaluateFlags.tenant, "tenant", "t", "", "override the subject tenant")
	evaluateCmd.Flags().StringVar(&evaluateFlags.runID, "run-id", "", "override the run ID of a single run")
	_ = evaluateCmd.MarkFlagRequired("file")
}

type inputSpec struct {
	RequestID string         `yaml:"request_id"`
	UserID    string         `yaml:"user_id"`
	AgentID   string         `yaml:"agent_id"`
	Request   map[string]any `yaml:"request"`
	User      map[string]any `yaml:"user"`
	Agent     map[string]any `yaml:"agent"`
	Context   map[string]any `yaml:"context"`
	Variables map[string]any `yaml:"variables"`
}

func (in inputSpec) engineInput() engine.Input {
	return engine.Input{
		RequestID: in.RequestID,
		UserID:    in.UserID,
		AgentID:   in.AgentID,
		Request:   in.Request,
		User:      in.User,
		Agent:     in.Agent,
		Ctx:       in.Context,
		Variables: in.Variables,
	}
}

type stepSpec struct {
	Name    string             `yaml:"name"`
	Input   *inputSpec         `yaml:"input"`
	Metrics map[string]float64 `yaml:"metrics"`
}

// runSpec is the run file format.
type runSpec struct {
	RunID   string `yaml:"run_id"`
	Subject struct {
		TenantID     string `yaml:"tenant_id"`
		AgentID      string `yaml:"agent_id"`
		APIKeyID     string `yaml:"api_key_id"`
		HumanActorID string `yaml:"human_actor_id"`
	} `yaml:"subject"`
	Input   inputSpec          `yaml:"input"`
	Metrics map[string]float64 `yaml:"metrics"`
	Steps   []stepSpec         `yaml:"steps"`
}

func parseRunSpec(data []byte) (*runSpec, error) {
	var spec runSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty run file")
		}
		return nil, err
	}
	if spec.Subject.TenantID == "" {
		return nil, errors.New("subject.tenant_id is required")
	}
	for i, s := range spec.Steps {
		if s.Name == "" {
			return nil, fmt.Errorf("steps[%d]: name is required", i)
		}
	}
	return &spec, nil
}

func (s *runSpec) request() governance.RunRequest {
	req := governance.RunRequest{
		RunID: s.RunID,
		Subject: policy.Subject{
			TenantID:     s.Subject.TenantID,
			RunID:        s.RunID,
			AgentID:      s.Subject.AgentID,
			APIKeyID:     s.Subject.APIKeyID,
			HumanActorID: s.Subject.HumanActorID,
		},
		Input:   s.Input.engineInput(),
		Metrics: s.Metrics,
	}
	for _, st := range s.Steps {
		step := governance.Step{Name: st.Name, Metrics: st.Metrics}
		if st.Input != nil {
			in := st.Input.engineInput()
			step.Input = &in
		}
		req.Steps = append(req.Steps, step)
	}
	return req
}

func readRunFile(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// evaluationReport is one decided stage of a run.
type evaluationReport struct {
	Stage        string   `json:"stage"`
	SnapshotID   string   `json:"snapshot_id,omitempty"`
	Decision     string   `json:"decision"`
	SourcePolicy string   `json:"source_policy,omitempty"`
	SourceRule   string   `json:"source_rule,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Bypassed     []string `json:"bypassed,omitempty"`
	Signals      []string `json:"signals,omitempty"`
	Intents      int      `json:"intents"`
	Steps        int      `json:"engine_steps"`
}

type runReport struct {
	RunID          string                `json:"run_id"`
	TenantID       string                `json:"tenant_id"`
	Phase          runkernel.Phase       `json:"phase"`
	Evaluations    []evaluationReport    `json:"evaluations"`
	Reconciliation *audit.Reconciliation `json:"reconciliation,omitempty"`
	Error          string                `json:"error,omitempty"`
}

func (r runReport) Header() []string {
	return []string{"RUN", "STAGE", "SNAPSHOT", "DECISION", "POLICY", "RULE", "BYPASSED", "SIGNALS"}
}

func (r runReport) Rows() [][]string {
	rows := make([][]string, 0, len(r.Evaluations)+1)
	for _, e := range r.Evaluations {
		rows = append(rows, []string{
			r.RunID, e.Stage, e.SnapshotID, e.Decision, e.SourcePolicy, e.SourceRule,
			strings.Join(e.Bypassed, ","), strings.Join(e.Signals, ","),
		})
	}
	rows = append(rows, []string{r.RunID, "run", "", string(r.Phase), "", "", "", ""})
	return rows
}

func reportEvaluation(stage string, e *governance.Evaluation) evaluationReport {
	rep := evaluationReport{Stage: stage, Decision: "NONE"}
	if e == nil {
		return rep
	}
	rep.SnapshotID = e.SnapshotID
	rep.Intents = len(e.Intents)
	rep.Steps = e.Steps
	if d := e.Decision; d != nil {
		rep.Decision = string(d.Action)
		rep.SourcePolicy = d.Intent.SourcePolicy
		rep.SourceRule = d.Intent.SourceRule
		rep.Reason = d.Reason
	}
	for id := range e.Bypassed {
		rep.Bypassed = append(rep.Bypassed, id)
	}
	sort.Strings(rep.Bypassed)
	for _, s := range e.Signals {
		rep.Signals = append(rep.Signals, fmt.Sprintf("%s:%s", s.Type, s.Metric))
	}
	return rep
}

func newRunReport(res *governance.RunResult, tenantID string, runErr error) runReport {
	rep := runReport{TenantID: tenantID}
	if res != nil {
		rep.RunID = res.RunID
		rep.Phase = res.Phase
		if res.Authorization != nil {
			rep.Evaluations = append(rep.Evaluations, reportEvaluation("authorize", res.Authorization))
		}
		for i, e := range res.Steps {
			rep.Evaluations = append(rep.Evaluations, reportEvaluation(fmt.Sprintf("step %d", i+1), e))
		}
		rep.Reconciliation = res.Reconciliation
	}
	if runErr != nil {
		rep.Error = runErr.Error()
	}
	return rep
}

type runReports []runReport

func (r runReports) Header() []string { return runReport{}.Header() }

func (r runReports) Rows() [][]string {
	var rows [][]string
	for _, rep := range r {
		rows = append(rows, rep.Rows()...)
	}
	return rows
}

func loadRunSpecs() ([]*runSpec, error) {
	if evaluateFlags.runID != "" && len(evaluateFlags.files) > 1 {
		return nil, cli.NewConfigError("run-id", "only valid with a single run file")
	}
	specs := make([]*runSpec, 0, len(evaluateFlags.files))
	for _, path := range evaluateFlags.files {
		data, err := readRunFile(path)
		if err != nil {
			return nil, cli.NewCommandError("evaluate", err)
		}
		spec, err := parseRunSpec(data)
		if err != nil {
			return nil, cli.NewConfigError(path, err.Error())
		}
		if evaluateFlags.tenant != "" {
			spec.Subject.TenantID = evaluateFlags.tenant
		}
		if evaluateFlags.runID != "" {
			spec.RunID = evaluateFlags.runID
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func evaluateRun(cmd *cobra.Command, args []string) error {
	specs, err := loadRunSpecs()
	if err != nil {
		return err
	}

	ctx := cmdContext(cmd)
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := a.Runner(ctx, governance.NewLogSink(a.logger))
	if err != nil {
		return cli.NewCommandError("evaluate", err)
	}
	g := a.cfg.Governance
	pool := governance.NewPool(runner, governance.PoolConfig{Workers: g.Workers, QueueSize: g.QueueSize}, a.logger)
	pool.Start(ctx)
	defer pool.Close()

	// At most Workers runs are in flight, so the queue never overflows.
	reports := make(runReports, len(specs))
	errs := make([]error, len(specs))
	sem := make(chan struct{}, g.Workers)
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, spec *runSpec) {
			defer wg.Done()
			defer func() { <-sem }()
			res, err := pool.Run(ctx, spec.request())
			reports[i] = newRunReport(res, spec.Subject.TenantID, err)
			errs[i] = err
		}(i, spec)
	}
	wg.Wait()

	var data any = reports
	if len(reports) == 1 {
		data = reports[0]
	}
	if err := render(cmd, data); err != nil {
		return err
	}
	return evaluateError(errs)
}

// evaluateError folds run errors into one command error. Any failure other
// than a denial takes precedence.
func evaluateError(errs []error) error {
	var (
		denied []error
		failed []error
	)
	for _, err := range errs {
		if err == nil {
			continue
		}
		var (
			stepDenied *governance.StepDeniedError
			authDenied *runkernel.AuthorizationError
		)
		if errors.As(err, &stepDenied) || errors.As(err, &authDenied) {
			denied = append(denied, err)
		} else {
			failed = append(failed, err)
		}
	}
	switch {
	case len(failed) > 0:
		return cli.NewCommandError("evaluate", errors.Join(append(failed, denied...)...))
	case len(denied) > 0:
		return &cli.CommandError{Command: "evaluate", Err: errors.Join(denied...), Code: cli.ExitDenied}
	}
	return nil
}
