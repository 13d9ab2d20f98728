package connect

import (
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the subset of platform jwt claims the sync client reads
type ByJwt struct {
	UserId      Id
	NetworkName string
	ClientId    Id
}

// the signature is verified by the server on `CLIENT_IDENTIFICATION`.
// the client only needs the claims.
func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("Unexpected claims type.")
	}

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if networkName, ok := claims["network_name"].(string); ok {
		byJwt.NetworkName = networkName
	}
	if clientIdStr, ok := claims["client_id"].(string); ok {
		if clientId, err := ParseId(clientIdStr); err == nil {
			byJwt.ClientId = clientId
		}
	}

	return byJwt, nil
}

// the client id comes from the `client_id` claim. the session id is always fresh.
func IdentityFromJwt(jwt string) (ClientIdentity, error) {
	byJwt, err := ParseByJwtUnverified(jwt)
	if err != nil {
		return ClientIdentity{}, fmt.Errorf("Bad jwt: %w", err)
	}
	if byJwt.ClientId.IsZero() {
		return ClientIdentity{}, errors.New("Jwt does not have a client_id.")
	}
	return NewClientIdentityWithClientId(byJwt.ClientId), nil
}
