package script

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BlockSchema holds the configuration fields shared by block scripts.
// Merge it into a script schema with schema.Merge.
const BlockSchema = `
type: object
properties:
  program:
    type: string
    description: >-
      Optional name of a program this script belongs to.
  reason:
    type: string
    description: Optional reason for taking the data.
  test_case:
    type: object
    description: Optional test case metadata.
    properties:
      name:
        type: string
        description: Test case name, e.g. LVV-T2713
      initial_step:
        type: integer
        minimum: 1
        default: 1
      project:
        type: string
        default: LVV
      execution:
        type: string
        description: Test case execution, e.g. LVV-E2391
      version:
        type: string
        description: Test case version, e.g. "1.0"
    required:
      - name
      - execution
      - version
    additionalProperties: false
`

// TestCase identifies the test case a block run belongs to
type TestCase struct {
	Name        string `yaml:"name" json:"issueId"`
	Execution   string `yaml:"execution" json:"executionId"`
	Version     string `yaml:"version" json:"versionId"`
	InitialStep int    `yaml:"initial_step" json:"-"`
	Project     string `yaml:"project" json:"projectId"`
}

// BlockConfig is the decoded form of BlockSchema
type BlockConfig struct {
	Program  string    `yaml:"program"`
	Reason   string    `yaml:"reason"`
	TestCase *TestCase `yaml:"test_case"`
}

// StepResult is the outcome of one test case step
type StepResult struct {
	ID            int    `json:"id"`
	ExecutionTime string `json:"executionTime"`
	Comment       string `json:"comment,omitempty"`
	Status        string `json:"status"`
}

// TestCaseReport is what a block run records about its test case
type TestCaseReport struct {
	TestCase
	Script string       `json:"script"`
	Index  int          `json:"index"`
	ObsID  string       `json:"obsId,omitempty"`
	Steps  []StepResult `json:"stepResults"`
}

// ObsIDSource hands out observation ids for a block ticket
type ObsIDSource interface {
	NextObsID(ctx context.Context, ticket int) (string, error)
}

// TestCaseSink stores test case reports
type TestCaseSink interface {
	SaveTestCase(ctx context.Context, r TestCaseReport) error
}

// Block adds program/reason checkpoints and test case bookkeeping to a
// script.  Embed it next to BaseScript and call Wrap from Run.
type Block struct {
	Cfg    BlockConfig
	ObsIDs ObsIDSource
	Sink   TestCaseSink

	obsID   string
	message string
	step    int
	steps   []StepResult
}

// ObsID is the observation id obtained at configuration, if any
func (b *Block) ObsID() string { return b.obsID }

// ConfigureBlock reads the block fields of cfg.  typeName prefixes the
// checkpoint messages.
func (b *Block) ConfigureBlock(ctx context.Context, base *BaseScript, cfg Config, typeName string) error {
	b.Cfg = BlockConfig{}
	if err := cfg.Decode(&b.Cfg); err != nil {
		return err
	}
	b.steps = nil
	b.obsID = ""
	b.message = ""
	if b.Cfg.TestCase != nil {
		b.step = b.Cfg.TestCase.InitialStep
		if b.step < 1 {
			b.step = 1
		}
	}
	if b.Cfg.Program == "" {
		return nil
	}
	id, err := b.fetchObsID(ctx, base)
	if err != nil {
		return err
	}
	b.obsID = id
	b.message = fmt.Sprintf("%s %s %s", typeName, b.Cfg.Program, id)
	if b.Cfg.Reason != "" {
		b.message += " " + b.Cfg.Reason
	}
	return nil
}

func (b *Block) fetchObsID(ctx context.Context, base *BaseScript) (string, error) {
	project, ticket, _ := strings.Cut(b.Cfg.Program, "-")
	switch {
	case project != "BLOCK":
		base.logger().Warn("not generating obs id, ids are only generated for BLOCK programs", "program", b.Cfg.Program)
		return "", nil
	case b.ObsIDs == nil:
		base.logger().Warn("not generating obs id, no obs id source configured")
		return "", nil
	}
	n, err := strconv.Atoi(ticket)
	if err != nil {
		return "", fmt.Errorf("invalid BLOCK id, got %q, expected an integer id", ticket)
	}
	if n < 0 {
		n = -n
	}
	id, err := b.ObsIDs.NextObsID(ctx, n)
	if err != nil {
		base.logger().Error("failed to generate obs id", "program", b.Cfg.Program, "err", err)
		return "", nil
	}
	return id, nil
}

// Wrap runs fn between the program/reason Start and Done checkpoints and
// saves the test case report afterwards, whether fn failed or not
func (b *Block) Wrap(ctx context.Context, base *BaseScript, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if b.message != "" {
			if cerr := base.Checkpoint(ctx, b.message+": Done"); err == nil {
				err = cerr
			}
		}
		b.save(ctx, base)
	}()
	if b.message != "" {
		if err := base.Checkpoint(ctx, b.message+": Start"); err != nil {
			return err
		}
	}
	return fn(ctx)
}

// Step runs fn as one test case step, recording PASSED or FAILED.
// Without a test case it only runs fn.
func (b *Block) Step(ctx context.Context, comment string, fn func(ctx context.Context) error) error {
	if b.Cfg.TestCase == nil {
		return fn(ctx)
	}
	res := StepResult{ID: b.step, ExecutionTime: time.Now().UTC().Format(time.RFC3339), Comment: comment}
	b.step++
	err := fn(ctx)
	res.Status = "PASSED"
	if err != nil {
		res.Status = "FAILED"
	}
	b.steps = append(b.steps, res)
	return err
}

// Steps returns the recorded step results
func (b *Block) Steps() []StepResult { return b.steps }

func (b *Block) save(ctx context.Context, base *BaseScript) {
	if b.Cfg.TestCase == nil {
		return
	}
	if len(b.steps) == 0 {
		base.logger().Warn("no test case step registered, no test case results to store")
		return
	}
	if b.Sink == nil {
		base.logger().Warn("no test case sink configured, results not stored")
		return
	}
	rep := TestCaseReport{
		TestCase: *b.Cfg.TestCase,
		Script:   base.Name,
		Index:    base.Index,
		ObsID:    b.obsID,
		Steps:    b.steps,
	}
	if err := b.Sink.SaveTestCase(context.WithoutCancel(ctx), rep); err != nil {
		base.logger().Error("saving test case", "err", err)
	}
}
