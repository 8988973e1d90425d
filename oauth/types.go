package oauth

import (
	"encoding/json"
	"fmt"
	"net/url"
)

type OauthProtectedResource struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceDocumentation  string   `json:"resource_documentation"`
}

func (opr *OauthProtectedResource) UnmarshalJSON(b []byte) error {
	type Tmp OauthProtectedResource
	var tmp Tmp

	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}

	*opr = OauthProtectedResource(tmp)

	return nil
}

type OauthAuthorizationMetadata struct {
	Issuer                                     string   `json:"issuer"`
	ScopesSupported                            []string `json:"scopes_supported"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	JwksUri                                    string   `json:"jwks_uri"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	RevocationEndpoint                         string   `json:"revocation_endpoint"`
	PushedAuthorizationRequestEndpoint         string   `json:"pushed_authorization_request_endpoint"`
	DpopSigningAlgValuesSupported              []string `json:"dpop_signing_alg_values_supported"`
	AuthorizationResponseISSParameterSupported bool     `json:"authorization_response_iss_parameter_supported"`
	ClientIDMetadataDocumentSupported          bool     `json:"client_id_metadata_document_supported"`
}

// Validate fails closed: a document missing anything the authorization-code
// + refresh-token + DPoP flow relies on is rejected as ErrMetadataInvalid.
func (oam *OauthAuthorizationMetadata) Validate(fetchUrl *url.URL) error {
	if fetchUrl == nil {
		return fmt.Errorf("%w: fetch url was nil", ErrMetadataInvalid)
	}

	iu, err := url.Parse(oam.Issuer)
	if err != nil {
		return fmt.Errorf("%w: issuer unparseable: %v", ErrMetadataInvalid, err)
	}

	if iu.Hostname() != fetchUrl.Hostname() {
		return fmt.Errorf("%w: issuer hostname does not match fetch url hostname", ErrMetadataInvalid)
	}

	if iu.Path != "" && iu.Path != "/" {
		return fmt.Errorf("%w: issuer path is not /", ErrMetadataInvalid)
	}

	if iu.RawQuery != "" {
		return fmt.Errorf("%w: issuer url params are not empty", ErrMetadataInvalid)
	}

	if oam.AuthorizationEndpoint == "" {
		return fmt.Errorf("%w: authorization_endpoint is empty", ErrMetadataInvalid)
	}

	if oam.TokenEndpoint == "" {
		return fmt.Errorf("%w: token_endpoint is empty", ErrMetadataInvalid)
	}

	if !tokenInSet("code", oam.ResponseTypesSupported) {
		return fmt.Errorf("%w: `code` is not in response_types_supported", ErrMetadataInvalid)
	}

	if !tokenInSet("authorization_code", oam.GrantTypesSupported) {
		return fmt.Errorf("%w: `authorization_code` is not in grant_types_supported", ErrMetadataInvalid)
	}

	if !tokenInSet("refresh_token", oam.GrantTypesSupported) {
		return fmt.Errorf("%w: `refresh_token` is not in grant_types_supported", ErrMetadataInvalid)
	}

	if !tokenInSet("S256", oam.CodeChallengeMethodsSupported) {
		return fmt.Errorf("%w: `S256` is not in code_challenge_methods_supported", ErrMetadataInvalid)
	}

	if !tokenInSet("ES256", oam.DpopSigningAlgValuesSupported) {
		return fmt.Errorf("%w: `ES256` is not in dpop_signing_alg_values_supported", ErrMetadataInvalid)
	}

	return nil
}

func (oam *OauthAuthorizationMetadata) UnmarshalJSON(b []byte) error {
	type Tmp OauthAuthorizationMetadata
	var tmp Tmp

	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}

	*oam = OauthAuthorizationMetadata(tmp)

	return nil
}

func tokenInSet(token string, set []string) bool {
	for _, t := range set {
		if t == token {
			return true
		}
	}
	return false
}

// TokenResponse is the token endpoint's success payload for both the
// authorization-code and refresh-token grants.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Sub          string `json:"sub"`
}

func (tr *TokenResponse) Validate() error {
	if tr.AccessToken == "" {
		return fmt.Errorf("token response missing access_token")
	}
	if tr.TokenType != "DPoP" {
		return fmt.Errorf("token response token_type was %q, expected DPoP", tr.TokenType)
	}
	return nil
}

// tokenErrorResponse is the error payload shape shared by the token endpoint
// and resource servers.
type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}
