package deployments

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

type ruleFile struct {
	Groups []struct {
		Name  string `yaml:"name"`
		Rules []struct {
			Alert  string            `yaml:"alert"`
			Expr   string            `yaml:"expr"`
			Labels map[string]string `yaml:"labels"`
		} `yaml:"rules"`
	} `yaml:"groups"`
}

func TestPrometheusRulesContainExpectedAlerts(t *testing.T) {
	var rules ruleFile
	readYAML(t, filepath.Join("deployments", "observability", "prometheus", "tabletalk_rules.yaml"), &rules)

	found := map[string]bool{}
	for _, group := range rules.Groups {
		for _, rule := range group.Rules {
			found[rule.Alert] = true
			if !strings.Contains(rule.Expr, "tabletalk_") {
				t.Fatalf("alert %q does not reference a tabletalk metric: %s", rule.Alert, rule.Expr)
			}
			switch rule.Labels["severity"] {
			case "warning", "critical":
			default:
				t.Fatalf("alert %q has severity %q", rule.Alert, rule.Labels["severity"])
			}
		}
	}

	requiredAlerts := []string{
		"TableTalkHTTPErrorRateHigh",
		"TableTalkTranslateFailuresHigh",
		"TableTalkQueryLatencyP95High",
		"TableTalkRetentionFailing",
	}
	for _, alertName := range requiredAlerts {
		if !found[alertName] {
			t.Fatalf("rules missing alert %q", alertName)
		}
	}
}

func TestPrometheusScrapeExampleContainsMetricsPathAndRules(t *testing.T) {
	var scrape struct {
		RuleFiles     []string `yaml:"rule_files"`
		ScrapeConfigs []struct {
			JobName     string `yaml:"job_name"`
			MetricsPath string `yaml:"metrics_path"`
		} `yaml:"scrape_configs"`
	}
	readYAML(t, filepath.Join("deployments", "observability", "prometheus", "prometheus-scrape.example.yaml"), &scrape)

	if len(scrape.RuleFiles) != 1 || scrape.RuleFiles[0] != "tabletalk_rules.yaml" {
		t.Fatalf("rule_files = %v", scrape.RuleFiles)
	}
	if len(scrape.ScrapeConfigs) != 1 {
		t.Fatalf("scrape_configs = %+v", scrape.ScrapeConfigs)
	}
	job := scrape.ScrapeConfigs[0]
	if job.JobName != "tabletalk-api" || job.MetricsPath != "/v1/metrics" {
		t.Fatalf("scrape job = %+v", job)
	}
}

func TestComposeProvidesBackingServices(t *testing.T) {
	var compose struct {
		Services map[string]struct {
			Image string `yaml:"image"`
		} `yaml:"services"`
	}
	readYAML(t, filepath.Join("deployments", "docker-compose.yml"), &compose)

	for _, name := range []string{"postgres", "minio"} {
		service, ok := compose.Services[name]
		if !ok {
			t.Fatalf("compose missing service %q", name)
		}
		if strings.TrimSpace(service.Image) == "" {
			t.Fatalf("service %q has no image", name)
		}
	}
}

func readYAML(t *testing.T, relative string, out any) {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(repoRoot(t), relative))
	if err != nil {
		t.Fatalf("read %s: %v", relative, err)
	}
	if err := yaml.Unmarshal(content, out); err != nil {
		t.Fatalf("parse %s: %v", relative, err)
	}
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), ".."))
}
