package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/faultline/faultline/pkg/engine"
)

// requestFile is the on-disk request shape. TTL is a duration string so
// request files stay readable.
type requestFile struct {
	TemplateID string `yaml:"template_id"`
	Metadata   struct {
		Name      string            `yaml:"name"`
		Namespace string            `yaml:"namespace"`
		TTL       string            `yaml:"ttl"`
		Labels    map[string]string `yaml:"labels"`
	} `yaml:"metadata"`
	Selector struct {
		Pods   []string          `yaml:"pods"`
		Labels map[string]string `yaml:"labels"`
	} `yaml:"selector"`
	Params map[string]interface{} `yaml:"params"`
}

func newSubmitCommand() *cobra.Command {
	var (
		file           string
		templateID     string
		name           string
		namespace      string
		ttl            time.Duration
		pods           []string
		selectorLabels map[string]string
		params         []string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a fault request",
		Long: `Submit a fault request for validation, policy admission and
application through the template's backend.

The request can be read from a YAML file or assembled from flags. On
success the command prints the ACTIVE instance with its backend handle.`,
		Example: `  # Submit a request file
  faultline submit --file latency.yaml

  # Submit from flags
  faultline submit --template network/latency \
    --namespace chaos-testing --ttl 60s \
    --pod web-1 --param latency_ms=250`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest(file, templateID, name, namespace, ttl, pods, selectorLabels, params)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			inst, err := a.orch.Submit(cmd.Context(), req)
			if err != nil {
				// A rejected or partially failed instance still identifies
				// what happened; show it before the error.
				if inst.ID != "" && !jsonOutput {
					printInstance(inst)
				}
				return err
			}

			if jsonOutput {
				return printJSON(inst)
			}
			printInstance(inst)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "request file (YAML)")
	cmd.Flags().StringVarP(&templateID, "template", "t", "", "template identifier")
	cmd.Flags().StringVar(&name, "name", "", "instance name")
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "target namespace")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "fault time-to-live (0 means no expiry)")
	cmd.Flags().StringSliceVar(&pods, "pod", nil, "target pod or host names")
	cmd.Flags().StringToStringVar(&selectorLabels, "selector-label", nil, "target label selector (key=value)")
	cmd.Flags().StringSliceVarP(&params, "param", "p", nil, "fault parameters (key=value)")

	return cmd
}

// buildRequest assembles a FaultRequest from a file or from flags. Flags
// override file fields so a base request can be tweaked per run.
func buildRequest(file, templateID, name, namespace string, ttl time.Duration,
	pods []string, selectorLabels map[string]string, params []string) (*engine.FaultRequest, error) {

	req := &engine.FaultRequest{}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read request file: %w", err)
		}
		var rf requestFile
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("failed to parse request file: %w", err)
		}
		req.TemplateID = rf.TemplateID
		req.Metadata.Name = rf.Metadata.Name
		req.Metadata.Namespace = rf.Metadata.Namespace
		req.Metadata.Labels = rf.Metadata.Labels
		req.Selector.Pods = rf.Selector.Pods
		req.Selector.Labels = rf.Selector.Labels
		req.Params = rf.Params
		if rf.Metadata.TTL != "" {
			d, err := time.ParseDuration(rf.Metadata.TTL)
			if err != nil {
				return nil, fmt.Errorf("invalid ttl %q in request file: %w", rf.Metadata.TTL, err)
			}
			req.Metadata.TTL = d
		}
	}

	if templateID != "" {
		req.TemplateID = templateID
	}
	if name != "" {
		req.Metadata.Name = name
	}
	if namespace != "" {
		req.Metadata.Namespace = namespace
	}
	if ttl > 0 {
		req.Metadata.TTL = ttl
	}
	if len(pods) > 0 {
		req.Selector.Pods = pods
	}
	if len(selectorLabels) > 0 {
		req.Selector.Labels = selectorLabels
	}
	if len(params) > 0 {
		if req.Params == nil {
			req.Params = make(map[string]interface{}, len(params))
		}
		for _, p := range params {
			key, value, err := parseParam(p)
			if err != nil {
				return nil, err
			}
			req.Params[key] = value
		}
	}

	if req.TemplateID == "" {
		return nil, fmt.Errorf("a template must be given via --template or a request file")
	}
	return req, nil
}

// parseParam splits key=value and decodes the value as JSON when possible,
// so numbers and booleans keep their types. Everything else stays a string.
func parseParam(p string) (string, interface{}, error) {
	key, raw, found := strings.Cut(p, "=")
	if !found || key == "" {
		return "", nil, fmt.Errorf("invalid parameter %q, expected key=value", p)
	}
	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return key, raw, nil
	}
	return key, value, nil
}
