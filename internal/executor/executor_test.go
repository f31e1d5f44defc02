// Internal (white-box) tests: waitForDependencies, waitForFileDependencies
// and classify are unexported, and exercising the full Run() lifecycle for
// every branch would mean spawning real child processes for cases that
// don't need one.
package executor

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/heewa/shepherd/internal/coordstate"
	"github.com/heewa/shepherd/internal/wfconfig"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("waitForDependencies", func() {
	var store *coordstate.Store
	var svc *wfconfig.Service

	BeforeEach(func() {
		store = coordstate.New([]string{"web", "db", "cache"}, time.Now())
		svc = &wfconfig.Service{Name: "web"}
	})

	Context("with no dependencies", func() {
		It("returns true immediately", func() {
			e := New(svc, "", store)
			Expect(e.waitForDependencies()).To(BeTrue())
		})
	})

	Context("with mode all", func() {
		BeforeEach(func() {
			svc.Dependency = wfconfig.Dependency{
				Mode:  wfconfig.DependAll,
				Items: map[string]string{"db": "ready", "cache": "ready"},
			}
		})

		It("waits until every dependency reaches its state", func() {
			e := New(svc, "", store)

			go func() {
				time.Sleep(5 * time.Millisecond)
				store.Transition("db", "ready")
				time.Sleep(5 * time.Millisecond)
				store.Transition("cache", "ready")
			}()

			Expect(e.waitForDependencies()).To(BeTrue())
		})

		It("returns false if stop fires before all are satisfied", func() {
			e := New(svc, "", store)

			store.Transition("db", "ready")
			go func() {
				time.Sleep(5 * time.Millisecond)
				store.RequestStop()
			}()

			Expect(e.waitForDependencies()).To(BeFalse())
		})
	})

	Context("with mode any", func() {
		BeforeEach(func() {
			svc.Dependency = wfconfig.Dependency{
				Mode:  wfconfig.DependAny,
				Items: map[string]string{"db": "ready", "cache": "ready"},
			}
		})

		It("returns true once any one dependency is satisfied", func() {
			e := New(svc, "", store)

			go func() {
				time.Sleep(5 * time.Millisecond)
				store.Transition("cache", "ready")
			}()

			Expect(e.waitForDependencies()).To(BeTrue())
		})
	})
})

var _ = Describe("waitForFileDependencies", func() {
	var store *coordstate.Store
	var svc *wfconfig.Service
	var dir string

	BeforeEach(func() {
		store = coordstate.New([]string{"web"}, time.Now())
		svc = &wfconfig.Service{Name: "web"}

		var err error
		dir, err = ioutil.TempDir("", "executor-filedep-test")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("returns true immediately with no items", func() {
		e := New(svc, "", store)
		Expect(e.waitForFileDependencies()).To(BeTrue())
	})

	It("waits for the file to reach its minimum size", func() {
		path := filepath.Join(dir, "ready")
		svc.FileDependency = wfconfig.FileDependency{
			Items: []wfconfig.FileDependencyItem{{Path: path, MinSize: 4}},
		}
		e := New(svc, "", store)

		go func() {
			time.Sleep(10 * time.Millisecond)
			ioutil.WriteFile(path, []byte("ab"), 0644)
			time.Sleep(10 * time.Millisecond)
			ioutil.WriteFile(path, []byte("abcd"), 0644)
		}()

		Expect(e.waitForFileDependencies()).To(BeTrue())
	})

	It("returns false if stop fires first", func() {
		path := filepath.Join(dir, "never-appears")
		svc.FileDependency = wfconfig.FileDependency{
			Items: []wfconfig.FileDependencyItem{{Path: path, MinSize: 1}},
		}
		e := New(svc, "", store)

		go func() {
			time.Sleep(5 * time.Millisecond)
			store.RequestStop()
		}()

		Expect(e.waitForFileDependencies()).To(BeFalse())
	})
})

var _ = Describe("classify", func() {
	var store *coordstate.Store

	BeforeEach(func() {
		store = coordstate.New([]string{"web"}, time.Now())
	})

	It("classifies a stopped service's expected SIGTERM exit as stopped", func() {
		svc := &wfconfig.Service{Name: "web", Type: wfconfig.TypeService}
		e := New(svc, "", store)
		store.RequestStop()

		e.classify(-int(syscall.SIGTERM))
		Expect(store.CurrentState("web")).To(Equal("stopped"))
	})

	It("classifies an unexpected service exit as failure", func() {
		svc := &wfconfig.Service{Name: "web", Type: wfconfig.TypeService}
		e := New(svc, "", store)

		e.classify(1)
		Expect(store.CurrentState("web")).To(Equal("failure"))
	})

	It("classifies a zero-exit action as action_success", func() {
		svc := &wfconfig.Service{Name: "web", Type: wfconfig.TypeAction}
		e := New(svc, "", store)

		e.classify(0)
		Expect(store.CurrentState("web")).To(Equal("action_success"))
	})

	It("classifies a non-zero-exit action as action_failure", func() {
		svc := &wfconfig.Service{Name: "web", Type: wfconfig.TypeAction}
		e := New(svc, "", store)

		e.classify(2)
		Expect(store.CurrentState("web")).To(Equal("action_failure"))
	})
})

var _ = Describe("Run", func() {
	It("drives to stopped_before_execution when stop fires before dependencies are satisfied", func() {
		store := coordstate.New([]string{"web"}, time.Now())
		svc := &wfconfig.Service{
			Name: "web",
			Dependency: wfconfig.Dependency{
				Mode:  wfconfig.DependAll,
				Items: map[string]string{"ghost-dependency": "ready"},
			},
		}
		e := New(svc, "", store)

		go func() {
			time.Sleep(5 * time.Millisecond)
			store.RequestStop()
		}()

		e.Run()

		Expect(store.HasReachedState("web", "stopped_before_execution")).To(BeTrue())
		Expect(store.CurrentState("web")).To(Equal("final"))
	})
})
