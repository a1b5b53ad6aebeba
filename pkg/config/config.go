//Package config loads the service settings: config.yaml, then a .env file, then VSCAN_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/analysis"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/utils"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/video"
)

//EnvPrefix prefixes every environment override, e.g. VSCAN_HTTP_PORT for http.port
const EnvPrefix = "VSCAN"

//Settings is the typed view of the loaded configuration
type Settings struct {
	ClassifyEvery     int
	ReadEvery         int
	CapabilityTimeout time.Duration

	Classes         []string
	RetentionFrames int

	Tracker        video.ProcessConfig
	TrackerTimeout time.Duration

	ClassifierEnabled bool
	Classifier        analysis.DNNConfig
	OCREnabled        bool
	OCR               analysis.TesseractConfig

	ResultsDir  string
	VideosDir   string
	LiveWidth   int
	LiveHeight  int
	VideoCodec  string
	HTTPPort    string
	StaticFiles string
	LogLevel    string
}

func setDefaults() {
	viper.SetDefault("schedule.classify_every", utils.DefaultClassifyEvery)
	viper.SetDefault("schedule.read_every", utils.DefaultReadEvery)
	viper.SetDefault("capability.timeout", "5s")

	viper.SetDefault("tracks.classes", utils.VehicleClasses)
	viper.SetDefault("tracks.retention_frames", 0)

	viper.SetDefault("tracker.command", "python3")
	viper.SetDefault("tracker.args", []string{"./tracker/worker.py"})
	viper.SetDefault("tracker.timeout", "10s")
	viper.SetDefault("tracker.jpeg_quality", 90)

	viper.SetDefault("classifier.enabled", true)
	viper.SetDefault("classifier.model", "./models/vehicle_classifier.onnx")
	viper.SetDefault("classifier.config", "")
	viper.SetDefault("classifier.labels", "./models/vehicle_classes.txt")
	viper.SetDefault("classifier.input_size", 224)
	viper.SetDefault("classifier.scale", 1.0/255.0)
	viper.SetDefault("classifier.mean", []float64{0, 0, 0})
	viper.SetDefault("classifier.swap_rb", true)

	viper.SetDefault("ocr.enabled", true)
	viper.SetDefault("ocr.language", "eng")
	viper.SetDefault("ocr.whitelist", "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-")

	viper.SetDefault("directory.results", "./data/results")
	viper.SetDefault("directory.videos", "./data/videos")

	viper.SetDefault("live.width", utils.LiveFrameWidth)
	viper.SetDefault("live.height", utils.LiveFrameHeight)
	viper.SetDefault("video.codec", "mp4v")

	viper.SetDefault("http.port", "8080")
	viper.SetDefault("frontend.static-files-path", "")
	viper.SetDefault("log.level", "info")
}

//Load reads config.yaml and .env from dir into the global viper instance.
//A missing config.yaml is fine, defaults and the environment still apply; a malformed one is an error.
func Load(dir string) error {
	setDefaults()

	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "config: could not read .env")
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	viper.AddConfigPath(dir)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errors.Wrap(err, "config: could not read config file")
		}
		log.Warnf("Config: no config.yaml in '%s', using defaults", dir)
	}

	return nil
}

//Current builds Settings from the global viper instance
func Current() Settings {
	return Settings{
		ClassifyEvery:     viper.GetInt("schedule.classify_every"),
		ReadEvery:         viper.GetInt("schedule.read_every"),
		CapabilityTimeout: viper.GetDuration("capability.timeout"),

		Classes:         viper.GetStringSlice("tracks.classes"),
		RetentionFrames: viper.GetInt("tracks.retention_frames"),

		Tracker: video.ProcessConfig{
			Command:     viper.GetString("tracker.command"),
			Args:        viper.GetStringSlice("tracker.args"),
			JPEGQuality: viper.GetInt("tracker.jpeg_quality"),
		},
		TrackerTimeout: viper.GetDuration("tracker.timeout"),

		ClassifierEnabled: viper.GetBool("classifier.enabled"),
		Classifier: analysis.DNNConfig{
			ModelPath:  viper.GetString("classifier.model"),
			ConfigPath: viper.GetString("classifier.config"),
			LabelsPath: viper.GetString("classifier.labels"),
			InputSize:  viper.GetInt("classifier.input_size"),
			Scale:      viper.GetFloat64("classifier.scale"),
			Mean:       triple(viper.Get("classifier.mean")),
			SwapRB:     viper.GetBool("classifier.swap_rb"),
		},
		OCREnabled: viper.GetBool("ocr.enabled"),
		OCR: analysis.TesseractConfig{
			Language:  viper.GetString("ocr.language"),
			Whitelist: viper.GetString("ocr.whitelist"),
		},

		ResultsDir:  viper.GetString("directory.results"),
		VideosDir:   viper.GetString("directory.videos"),
		LiveWidth:   viper.GetInt("live.width"),
		LiveHeight:  viper.GetInt("live.height"),
		VideoCodec:  viper.GetString("video.codec"),
		HTTPPort:    viper.GetString("http.port"),
		StaticFiles: viper.GetString("frontend.static-files-path"),
		LogLevel:    viper.GetString("log.level"),
	}
}

//Validate reports settings the service cannot run with
func (s Settings) Validate() error {
	var problems []string
	if s.ClassifyEvery <= 0 {
		problems = append(problems, "schedule.classify_every must be positive")
	}
	if s.ReadEvery <= 0 {
		problems = append(problems, "schedule.read_every must be positive")
	}
	if s.CapabilityTimeout < 0 || s.TrackerTimeout < 0 {
		problems = append(problems, "timeouts must not be negative")
	}
	if s.RetentionFrames < 0 {
		problems = append(problems, "tracks.retention_frames must not be negative")
	}
	if len(s.Classes) == 0 {
		problems = append(problems, "tracks.classes is empty")
	}
	if s.Tracker.Command == "" {
		problems = append(problems, "tracker.command is missing")
	}
	if s.ResultsDir == "" {
		problems = append(problems, "directory.results is missing")
	}
	if s.HTTPPort == "" {
		problems = append(problems, "http.port is missing")
	}
	if _, err := log.ParseLevel(s.LogLevel); err != nil {
		problems = append(problems, "log.level: "+err.Error())
	}

	if len(problems) > 0 {
		return errors.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

//triple reads a 3 value list as it comes from defaults ([]float64), yaml ([]interface{}) or env ("a b c")
func triple(v interface{}) [3]float64 {
	var out [3]float64
	var items []string
	switch t := v.(type) {
	case []float64:
		copy(out[:], t)
		return out
	case []interface{}:
		for _, it := range t {
			switch n := it.(type) {
			case float64:
				items = append(items, strconv.FormatFloat(n, 'f', -1, 64))
			case int:
				items = append(items, strconv.Itoa(n))
			case string:
				items = append(items, n)
			}
		}
	case string:
		items = strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == ' ' })
	}

	for i, it := range items {
		if i >= len(out) {
			break
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(it), 64); err == nil {
			out[i] = f
		}
	}
	return out
}
