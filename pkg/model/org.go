package model

type OrgInvite struct {
	Email     string `json:"email" schema:"required"`
	FirstName string `json:"first_name" schema:"required"`
	LastName  string `json:"last_name" schema:"required"`
}

type OrgGuestCred struct {
	Email string `json:"email" schema:"required"`
}

type OrgGuestMagicLinkResp struct {
	MagicLink string `json:"magic_link" schema:"required"`
}
