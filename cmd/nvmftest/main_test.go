package main

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nvmf-harness/nvmftests/pkg/events"
	"github.com/nvmf-harness/nvmftests/pkg/logging"
	"github.com/nvmf-harness/nvmftests/pkg/simplewal"
	"github.com/nvmf-harness/nvmftests/pkg/target"
)

var _ = Describe("Parsing", func() {
	It("parses a fully populated run command line", func() {
		args, err := parseArgs([]string{
			"--logLevel", "debug",
			"run",
			"--config", "nvmftests.yaml",
			"--mode", "random",
			"--io", "fio",
			"--mkfs",
			"--journal", "/tmp/journal",
			"--results", "/tmp/results",
			"--metricsListen", ":9100",
			"--cpuprofile", "cpu.pprof",
			"--cpuInterval", "250ms",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(args.command).To(Equal(cmdRun))
		Expect(args.logLevel).To(Equal(logging.LevelDebug))
		Expect(args.configFile).To(Equal("nvmftests.yaml"))
		Expect(args.mode).To(Equal("random"))
		Expect(args.io).To(Equal("fio"))
		Expect(args.mkfs).To(BeTrue())
		Expect(args.journalDir).To(Equal("/tmp/journal"))
		Expect(args.resultsDir).To(Equal("/tmp/results"))
		Expect(args.metricsListen).To(Equal(":9100"))
		Expect(args.cpuProfile).To(Equal("cpu.pprof"))
		Expect(args.cpuInterval).To(Equal(250 * time.Millisecond))
	})

	It("applies defaults", func() {
		args, err := parseArgs([]string{"run"})
		Expect(err).NotTo(HaveOccurred())
		Expect(args.logLevel).To(Equal(logging.LevelInfo))
		Expect(args.mode).To(Equal("parallel"))
		Expect(args.io).To(Equal("dd-read"))
		Expect(args.cpuInterval).To(Equal(time.Second))

		args, err = parseArgs([]string{"discover"})
		Expect(err).NotTo(HaveOccurred())
		Expect(args.devDir).To(Equal("/dev"))
		Expect(args.settle).To(Equal(2 * time.Second))
	})

	It("rejects bad combinations", func() {
		_, err := parseArgs([]string{"run", "--mkfs", "--io", "dd-read"})
		Expect(err).To(HaveOccurred())

		_, err = parseArgs([]string{"run", "--mode", "sideways"})
		Expect(err).To(HaveOccurred())

		_, err = parseArgs([]string{"gen-config"})
		Expect(err).To(HaveOccurred())

		_, err = parseArgs([]string{"gen-config", "--device", "/dev/loop0", "--subsystems", "0"})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Commands", func() {
	var (
		tmpDir string
		out    *bytes.Buffer
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = ioutil.TempDir("", "nvmftest")
		Expect(err).NotTo(HaveOccurred())
		out = &bytes.Buffer{}
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	It("generates a target config", func() {
		file := filepath.Join(tmpDir, "loop.json")
		args, err := parseArgs([]string{
			"gen-config",
			"--subsystems", "2",
			"--namespaces", "3",
			"--device", "/dev/loop0",
			"--device", "/dev/loop1",
			"--output", file,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(args.execute(context.Background(), out)).To(Succeed())
		Expect(out.String()).To(Equal("Wrote 2 subsystems to " + file + "\n"))

		cfg, err := target.LoadConfig(file)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.NQNs()).To(Equal([]string{"testnqn1", "testnqn2"}))
		Expect(cfg.Subsystems[1].Namespaces).To(HaveLen(3))
		Expect(cfg.Subsystems[1].Namespaces[1].Device.Path).To(Equal("/dev/loop1"))
		Expect(cfg.Subsystems[1].Namespaces[2].Device.Path).To(Equal("/dev/loop0"))
	})

	It("prints the job journal", func() {
		dir := filepath.Join(tmpDir, "journal")
		w, err := simplewal.Open(dir)
		Expect(err).NotTo(HaveOccurred())
		start := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
		for _, e := range []*events.Event{
			{Device: "/dev/nvme0n1", Seq: 1, Kind: "dd", Phase: events.Submitted, Time: start},
			{Device: "/dev/nvme0n1", Seq: 1, Kind: "dd", Phase: events.Finished, Time: start, Duration: time.Second, Err: "dd exited with 1"},
		} {
			Expect(w.Append(e)).To(Succeed())
		}
		Expect(w.Close()).To(Succeed())

		args, err := parseArgs([]string{"journal", dir})
		Expect(err).NotTo(HaveOccurred())
		Expect(args.execute(context.Background(), out)).To(Succeed())

		lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
		Expect(lines).To(HaveLen(2))
		Expect(string(lines[0])).To(ContainSubstring("submitted"))
		Expect(string(lines[1])).To(HaveSuffix(`finished  1s err="dd exited with 1"`))
	})
})
