package event

// Common event types. The taxonomy is open: modules may declare any type string.
const (
	TypeInternetName      = "INTERNET_NAME"
	TypeDomainName        = "DOMAIN_NAME"
	TypeIPAddress         = "IP_ADDRESS"
	TypeIPv6Address       = "IPV6_ADDRESS"
	TypeNetblockOwner     = "NETBLOCK_OWNER"
	TypeEmailAddr         = "EMAILADDR"
	TypePhoneNumber       = "PHONE_NUMBER"
	TypeUsername          = "USERNAME"
	TypeTCPPortOpen       = "TCP_PORT_OPEN"
	TypeTCPPortOpenBanner = "TCP_PORT_OPEN_BANNER"
	TypeWebContent        = "TARGET_WEB_CONTENT"
	TypeHTTPCode          = "HTTP_CODE"
	TypeWebServerBanner   = "WEBSERVER_BANNER"
	TypeLinkedURLInternal = "LINKED_URL_INTERNAL"
	TypeAffiliateDomain   = "AFFILIATE_DOMAIN_NAME"
	TypeMaliciousIP       = "MALICIOUS_IPADDR"
	TypeVulnerability     = "VULNERABILITY_CVE_HIGH"
)

var entityTypes = map[string]struct{}{
	TypeInternetName:    {},
	TypeDomainName:      {},
	TypeIPAddress:       {},
	TypeIPv6Address:     {},
	TypeNetblockOwner:   {},
	TypeEmailAddr:       {},
	TypePhoneNumber:     {},
	TypeUsername:        {},
	TypeAffiliateDomain: {},
}

// IsEntityType reports whether events of typ describe an entity (a host, address,
// account...) rather than a fact about one.
func IsEntityType(typ string) bool {
	_, ok := entityTypes[typ]
	return ok
}
