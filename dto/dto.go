package dto

// UploadNotification is the JSON body sent to the webhook endpoint and, when
// RabbitMQ is enabled, published to the upload events exchange. Receivers
// deduplicate on filename+timestamp.
type UploadNotification struct {
	Filename   string  `json:"filename"`
	FileURL    string  `json:"file_url"`
	FileSize   int64   `json:"file_size"`
	UploadTime string  `json:"upload_time"`
	StreamApp  string  `json:"stream_app"`
	StreamName string  `json:"stream_name"`
	Timestamp  string  `json:"timestamp"`
	Bucket     *string `json:"bucket"`
	Region     *string `json:"region"`
}

type ReplayRequest struct {
	LocalPath string `json:"local_path"`
}
