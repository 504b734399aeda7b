package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/tcp-load-balancer/config"
)

var _ = Describe("Config", func() {
	var tempDir string

	writeConfig := func(content string) {
		err := os.WriteFile(filepath.Join(tempDir, "config.yaml"), []byte(content), 0644)
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "config-test-*")
		Expect(err).NotTo(HaveOccurred())

		wd, err := os.Getwd()
		Expect(err).NotTo(HaveOccurred())
		Expect(os.Chdir(tempDir)).To(Succeed())

		DeferCleanup(func() {
			os.Chdir(wd)
			os.RemoveAll(tempDir)
		})
	})

	Describe("Load", func() {
		Context("with valid config file", func() {
			BeforeEach(func() {
				writeConfig(`
server:
  address: "127.0.0.1:7000"
  environment: "staging"

admin:
  address: ""

backends:
  - "127.0.0.1:8081"
  - "localhost:8082"

health_check:
  interval: "10s"
  path: "/healthz"

timeouts:
  backend_read: "2s"

logging:
  level: "debug"
  verbosity: 3
`)
			})

			It("should load configuration successfully", func() {
				cfg, err := config.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg).NotTo(BeNil())
				Expect(cfg.Server.Address).To(Equal("127.0.0.1:7000"))
				Expect(cfg.Server.Environment).To(Equal(config.EnvStaging))
			})

			It("should parse the backend list in order", func() {
				cfg, err := config.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Backends).To(Equal([]string{"127.0.0.1:8081", "localhost:8082"}))
			})

			It("should parse health check settings and keep defaults for the rest", func() {
				cfg, err := config.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.HealthCheck.Interval).To(Equal("10s"))
				Expect(cfg.HealthCheck.Path).To(Equal("/healthz"))
				Expect(cfg.HealthCheck.Timeout).To(Equal("5s"))
				Expect(cfg.HealthCheck.Concurrency).To(Equal(8))
			})

			It("should allow disabling the admin server", func() {
				cfg, err := config.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Admin.Address).To(BeEmpty())
			})

			It("should parse timeouts and verbosity", func() {
				cfg, err := config.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(config.Duration(cfg.Timeouts.BackendRead)).To(Equal(2 * time.Second))
				Expect(config.Duration(cfg.Timeouts.Connect)).To(Equal(3 * time.Second))
				Expect(cfg.Logging.Verbosity).To(Equal(3))
			})
		})

		Context("without a config file", func() {
			It("should use defaults", func() {
				cfg, err := config.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Server.Address).To(Equal("127.0.0.1:9876"))
				Expect(cfg.Admin.Address).To(Equal("127.0.0.1:9877"))
				Expect(cfg.Backends).To(Equal([]string{"127.0.0.1:8080", "127.0.0.1:8081", "127.0.0.1:8082"}))
				Expect(config.Duration(cfg.HealthCheck.Interval)).To(Equal(time.Minute))
				Expect(cfg.Limits.MaxHeaderBytes).To(Equal(1 << 20))
				Expect(cfg.Limits.MaxBodyBytes).To(Equal(int64(64 << 20)))
				Expect(cfg.Limits.AcceptRate).To(BeZero())
				Expect(cfg.Logging.Level).To(Equal(config.LogLevelInfo))
				Expect(cfg.Logging.Verbosity).To(Equal(1))
				Expect(cfg.Metrics.BufferSize).To(Equal(1024))
			})
		})

		Context("with environment variables", func() {
			BeforeEach(func() {
				os.Setenv("SERVER_ADDRESS", "127.0.0.1:7100")
				os.Setenv("BACKENDS", "10.0.0.1:80,10.0.0.2:80")
				DeferCleanup(func() {
					os.Unsetenv("SERVER_ADDRESS")
					os.Unsetenv("BACKENDS")
				})
			})

			It("should override defaults", func() {
				cfg, err := config.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(cfg.Server.Address).To(Equal("127.0.0.1:7100"))
				Expect(cfg.Backends).To(Equal([]string{"10.0.0.1:80", "10.0.0.2:80"}))
			})
		})

		Context("with an invalid config file", func() {
			It("should reject duplicate backends", func() {
				writeConfig(`
backends:
  - "127.0.0.1:8081"
  - "127.0.0.1:8081"
`)
				_, err := config.Load()
				Expect(err).To(HaveOccurred())
			})

			It("should reject a backend without a port", func() {
				writeConfig(`
backends:
  - "127.0.0.1"
`)
				_, err := config.Load()
				Expect(err).To(HaveOccurred())
			})

			It("should reject out of range verbosity", func() {
				writeConfig(`
logging:
  verbosity: 4
`)
				_, err := config.Load()
				Expect(err).To(HaveOccurred())
			})

			It("should reject a bad duration", func() {
				writeConfig(`
timeouts:
  connect: "soon"
`)
				_, err := config.Load()
				Expect(err).To(HaveOccurred())
			})

			It("should reject an unknown environment", func() {
				writeConfig(`
server:
  environment: "qa"
`)
				_, err := config.Load()
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("Validate", func() {
		It("should require at least one backend", func() {
			cfg, err := config.Load()
			Expect(err).NotTo(HaveOccurred())

			cfg.Backends = nil
			Expect(cfg.Validate()).To(HaveOccurred())
		})

		It("should reject a health check path without a leading slash", func() {
			cfg, err := config.Load()
			Expect(err).NotTo(HaveOccurred())

			cfg.HealthCheck.Path = "health"
			Expect(cfg.Validate()).To(HaveOccurred())
		})
	})
})
