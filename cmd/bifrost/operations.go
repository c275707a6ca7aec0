package main

import (
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/aadithya-v/bifrost"
)

// emptyDomainFields is the upstream's encoding of an empty domainfields array.
const emptyDomainFields = "YTowOnt9"

var domainPattern = regexp.MustCompile(`^(?i)[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?)+$`)

// operationBuilder turns the JSON parameters of a request into an upstream
// operation. Errors are returned as validation errors.
type operationBuilder func(params json.RawMessage) (bifrost.Operation, error)

var catalogue = map[string]operationBuilder{
	"version":                 buildVersion,
	"domains_lookup":          buildDomainsLookup,
	"domains_information_get": domainGet("domains_information_get", "information"),
	"domains_dns_get":         domainGet("domains_dns_get", "dns"),
	"order_domains_register":  buildDomainRegister,
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(params, v); err != nil {
		return bifrost.ValidationError("Request body must be a JSON object.")
	}
	return nil
}

func checkDomain(domain string) error {
	if len(domain) > 253 || !domainPattern.MatchString(domain) {
		return bifrost.ValidationError("Invalid domain name.")
	}
	return nil
}

func buildVersion(json.RawMessage) (bifrost.Operation, error) {
	return bifrost.Operation{
		Name:     "version",
		Category: bifrost.CategoryGeneral,
		Method:   http.MethodGet,
		Path:     "/version",
	}, nil
}

type lookupParams struct {
	SearchTerm     string   `json:"searchTerm"`
	TLDs           []string `json:"tldsToInclude"`
	PremiumEnabled *bool    `json:"premiumEnabled"`
}

type lookupBody struct {
	SearchTerm     string   `form:"searchTerm"`
	TLDs           []string `form:"tldsToInclude"`
	PremiumEnabled *bool    `form:"premiumEnabled,omitempty"`
}

func buildDomainsLookup(params json.RawMessage) (bifrost.Operation, error) {
	var p lookupParams
	if err := decodeParams(params, &p); err != nil {
		return bifrost.Operation{}, err
	}
	p.SearchTerm = strings.TrimSpace(p.SearchTerm)
	if p.SearchTerm == "" || len(p.TLDs) == 0 {
		return bifrost.Operation{}, bifrost.ValidationError("searchTerm and at least one TLD are required.")
	}

	return bifrost.Operation{
		Name:          "domains_lookup",
		Category:      bifrost.CategoryLookup,
		Method:        http.MethodPost,
		Path:          "/domains/lookup",
		Body:          lookupBody(p),
		SubjectDomain: p.SearchTerm + "." + strings.TrimPrefix(p.TLDs[0], "."),
	}, nil
}

type domainParams struct {
	Domain string `json:"domain"`
}

func domainGet(name, resource string) operationBuilder {
	return func(params json.RawMessage) (bifrost.Operation, error) {
		var p domainParams
		if err := decodeParams(params, &p); err != nil {
			return bifrost.Operation{}, err
		}
		if err := checkDomain(p.Domain); err != nil {
			return bifrost.Operation{}, err
		}
		return bifrost.Operation{
			Name:          name,
			Category:      bifrost.CategoryGeneral,
			Method:        http.MethodGet,
			Path:          "/domains/" + url.PathEscape(p.Domain) + "/" + resource,
			SubjectDomain: p.Domain,
		}, nil
	}
}

type contact struct {
	FirstName   string `json:"firstname" form:"firstname"`
	LastName    string `json:"lastname" form:"lastname"`
	CompanyName string `json:"companyname" form:"companyname"`
	Email       string `json:"email" form:"email"`
	Address1    string `json:"address1" form:"address1"`
	Address2    string `json:"address2" form:"address2"`
	City        string `json:"city" form:"city"`
	State       string `json:"state" form:"state"`
	Postcode    string `json:"postcode" form:"postcode"`
	Country     string `json:"country" form:"country"`
	PhoneNumber string `json:"phonenumber" form:"phonenumber"`
	TaxID       string `json:"tax_id" form:"tax_id"`
}

type nameservers struct {
	NS1 string `json:"ns1" form:"ns1"`
	NS2 string `json:"ns2" form:"ns2"`
	NS3 string `json:"ns3" form:"ns3"`
	NS4 string `json:"ns4" form:"ns4"`
	NS5 string `json:"ns5" form:"ns5"`
}

type addons struct {
	DNSManagement   int `json:"dnsmanagement" form:"dnsmanagement"`
	EmailForwarding int `json:"emailforwarding" form:"emailforwarding"`
	IDProtection    int `json:"idprotection" form:"idprotection"`
}

type registerParams struct {
	Domain       string      `json:"domain"`
	Period       int         `json:"regperiod"`
	Nameservers  nameservers `json:"nameservers"`
	Owner        *contact    `json:"owner"`
	Addons       *addons     `json:"addons"`
	DomainFields string      `json:"domainfields"`
	IDNLanguage  string      `json:"idnLanguage"`
}

// Only the registrant contact is sent upstream.
type registerContacts struct {
	Registrant *contact `form:"registrant,omitempty"`
}

type registerBody struct {
	Domain       string           `form:"domain"`
	Period       string           `form:"regperiod"`
	IDNLanguage  string           `form:"idnLanguage"`
	DomainFields string           `form:"domainfields"`
	Addons       addons           `form:"addons"`
	Nameservers  nameservers      `form:"nameservers"`
	Contacts     registerContacts `form:"contacts"`
}

func buildDomainRegister(params json.RawMessage) (bifrost.Operation, error) {
	var p registerParams
	if err := decodeParams(params, &p); err != nil {
		return bifrost.Operation{}, err
	}
	if err := checkDomain(p.Domain); err != nil {
		return bifrost.Operation{}, err
	}
	if p.Period < 1 || p.Period > 10 {
		return bifrost.Operation{}, bifrost.ValidationError("regperiod must be between 1 and 10 years.")
	}
	if p.Nameservers.NS1 == "" || p.Nameservers.NS2 == "" {
		return bifrost.Operation{}, bifrost.ValidationError("At least two nameservers are required.")
	}

	body := registerBody{
		Domain:       p.Domain,
		Period:       strconv.Itoa(p.Period),
		IDNLanguage:  p.IDNLanguage,
		DomainFields: p.DomainFields,
		Nameservers:  p.Nameservers,
	}
	if body.DomainFields == "" {
		body.DomainFields = emptyDomainFields
	}
	if p.Addons != nil {
		body.Addons = *p.Addons
	}
	body.Contacts.Registrant = p.Owner

	return bifrost.Operation{
		Name:          "order_domains_register",
		Category:      bifrost.CategoryRegister,
		Method:        http.MethodPost,
		Path:          "/order/domains/register",
		Body:          body,
		SubjectDomain: p.Domain,
	}, nil
}
