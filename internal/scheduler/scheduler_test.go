package scheduler_test

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	. "github.com/heewa/shepherd/internal/scheduler"
	"github.com/heewa/shepherd/internal/wfconfig"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func newWorkflow(runDir string) *wfconfig.Workflow {
	return &wfconfig.Workflow{
		Services:       map[string]*wfconfig.Service{},
		Output:         wfconfig.Output{StateTimes: "state_times.json"},
		StopSignal:     wfconfig.DefaultStopSignal,
		ProcessTimeout: 2 * time.Second,
		ConfigDir:      runDir,
	}
}

var _ = Describe("Scheduler", func() {
	var runDir, workDir string

	BeforeEach(func() {
		var err error
		runDir, err = ioutil.TempDir("", "scheduler-test-run")
		Expect(err).ToNot(HaveOccurred())
		workDir, err = ioutil.TempDir("", "scheduler-test-work")
		Expect(err).ToNot(HaveOccurred())
		Expect(os.MkdirAll(filepath.Join(runDir, "control"), 0755)).To(Succeed())
	})

	AfterEach(func() {
		os.RemoveAll(runDir)
		os.RemoveAll(workDir)
	})

	Context("when every service is a short-lived action", func() {
		It("stops on its own once everything reaches final, and writes a report", func(done Done) {
			wf := newWorkflow(runDir)
			wf.Services["hello"] = &wfconfig.Service{
				Name:       "hello",
				Type:       wfconfig.TypeAction,
				Command:    "echo hello",
				StdoutPath: filepath.Join(workDir, "hello_stdout.log"),
				StderrPath: filepath.Join(workDir, "hello_stderr.log"),
			}

			s := New(wf, runDir, workDir)
			Expect(s.Run()).To(Succeed())

			data, err := ioutil.ReadFile(filepath.Join(workDir, "state_times.json"))
			Expect(err).ToNot(HaveOccurred())

			var report map[string]map[string]float64
			Expect(json.Unmarshal(data, &report)).To(Succeed())
			Expect(report["hello"]).To(HaveKey("action_success"))

			close(done)
		}, 10)
	})

	Context("when a stop-signal file appears", func() {
		It("stops the long-running service and escalates to SIGKILL if needed", func(done Done) {
			wf := newWorkflow(runDir)
			wf.ProcessTimeout = 100 * time.Millisecond
			wf.Services["loop"] = &wfconfig.Service{
				Name:       "loop",
				Type:       wfconfig.TypeService,
				Command:    "trap '' TERM; while true; do sleep 0.05; done",
				StdoutPath: filepath.Join(workDir, "loop_stdout.log"),
				StderrPath: filepath.Join(workDir, "loop_stderr.log"),
			}

			s := New(wf, runDir, workDir)

			runDone := make(chan error, 1)
			go func() {
				runDone <- s.Run()
			}()

			time.Sleep(50 * time.Millisecond)
			stopPath := filepath.Join(runDir, "control", wf.StopSignal)
			Expect(ioutil.WriteFile(stopPath, nil, 0644)).To(Succeed())

			Eventually(runDone, "5s", "50ms").Should(Receive(BeNil()))

			_, err := os.Stat(stopPath)
			Expect(os.IsNotExist(err)).To(BeTrue())

			close(done)
		}, 10)
	})

	Context("when max_run_time elapses", func() {
		It("stops a long-running service without needing a stop-signal file", func(done Done) {
			wf := newWorkflow(runDir)
			maxRunTime := 80 * time.Millisecond
			wf.MaxRunTime = &maxRunTime
			wf.ProcessTimeout = 100 * time.Millisecond
			wf.Services["loop"] = &wfconfig.Service{
				Name:       "loop",
				Type:       wfconfig.TypeService,
				Command:    "while true; do sleep 0.05; done",
				StdoutPath: filepath.Join(workDir, "loop_stdout.log"),
				StderrPath: filepath.Join(workDir, "loop_stderr.log"),
			}

			s := New(wf, runDir, workDir)
			Expect(s.Run()).To(Succeed())

			close(done)
		}, 10)
	})
})
