package types

type DeploymentCreateRequest struct {
	Action string `json:"action" validate:"required,oneof=apply destroy"`
}
