package configs

import (
	_ "github.com/joho/godotenv/autoload"
	"github.com/kelseyhightower/envconfig"
)

type MinioEnvs struct {
	Endpoint  string `envconfig:"endpoint"`
	AccessKey string `envconfig:"accesskey"`
	SecretKey string `envconfig:"secretkey"`
	Bucket    string `envconfig:"bucket"`
	SSL       bool   `envconfig:"ssl"`
}

type EnvVariables struct {
	ServerHost string `envconfig:"server_host"`
	ServerPort string `envconfig:"server_port" default:"8080"`

	FrameRate    int `envconfig:"FRAME_RATE" default:"30"`
	TargetWidth  int `envconfig:"TARGET_WIDTH" default:"512"`
	TargetHeight int `envconfig:"TARGET_HEIGHT" default:"512"`
	JpegQuality  int `envconfig:"JPEG_QUALITY" default:"70"`

	CaptureRtspUrl string `envconfig:"CAPTURE_RTSP_URL"`

	CloudApiUrl string `envconfig:"CLOUD_API_URL" default:"https://api.daydream.live/v1"`
	CloudApiKey string `envconfig:"CLOUD_API_KEY"`

	ScopeUrl           string `envconfig:"SCOPE_URL"`
	ScopeSkipTLSVerify bool   `envconfig:"SCOPE_SKIP_TLS_VERIFY" default:"true"`

	WhipTimeoutSeconds  int `envconfig:"WHIP_TIMEOUT_SECONDS" default:"10"`
	WhepTimeoutSeconds  int `envconfig:"WHEP_TIMEOUT_SECONDS" default:"5"`
	ScopeTimeoutSeconds int `envconfig:"SCOPE_TIMEOUT_SECONDS" default:"30"`

	ExchangeTTLSeconds int `envconfig:"EXCHANGE_TTL_SECONDS" default:"300"`

	SnapshotIntervalSeconds int `envconfig:"SNAPSHOT_INTERVAL_SECONDS" default:"30"`
}

func MustConfig() *EnvVariables {
	var ev EnvVariables
	err := envconfig.Process("", &ev)
	if err != nil {
		panic(err)
	}
	return &ev
}

func MustConfigMinio() *MinioEnvs {
	var me MinioEnvs
	err := envconfig.Process("minio", &me)
	if err != nil {
		panic(err)
	}
	return &me
}
