package report

// Record processing stages in presentation order
const (
	StageBuildIP            = "build_ip"
	StageValidationMetadata = "validation_metadata"
	StageValidationPayload  = "validation_payload"
	StagePrepareIP          = "prepare_ip"
	StageBuildSIP           = "build_sip"
	StageTransfer           = "transfer"
	StageIngest             = "ingest"
)

// Pseudo stages used for the job and import views
const (
	StageImport    = "import"
	StageImportIEs = "import_ies"
	StageImportIPs = "import_ips"
	StageProcess   = "process"
)

// StageOrder is the canonical order of a record's stages
var StageOrder = []string{
	StageBuildIP,
	StageValidationMetadata,
	StageValidationPayload,
	StagePrepareIP,
	StageBuildSIP,
	StageTransfer,
	StageIngest,
}

var stageTitles = map[string]string{
	StageImport:             "Import records",
	StageImportIEs:          "Import IEs",
	StageBuildIP:            "Build IP",
	StageImportIPs:          "Import IPs",
	StageValidationMetadata: "Validate IP format & metadata",
	StageValidationPayload:  "Validate IP payload",
	StagePrepareIP:          "Prepare IP",
	StageBuildSIP:           "Build SIP",
	StageTransfer:           "Transfer SIP",
	StageIngest:             "Trigger SIP ingest",
	StageProcess:            "Run job",
}

// StageTitle returns a human readable name for a stage
func StageTitle(stage string) string {
	if title, ok := stageTitles[stage]; ok {
		return title
	}
	return "Unknown step"
}
