package mapping

import "github.com/JakeFAU/directory-submitter/internal/submission"

// Default selectors applied when a mapping does not carry its own.
const DefaultSubmitSelector = "#submit-btn, button[type='submit'], .submit-button, input[type='submit']"

var (
	// DefaultSuccessIndicators mark a confirmation page.
	DefaultSuccessIndicators = []string{".success-message", ".confirmation", "#success-message", ".alert-success"}
	// DefaultErrorIndicators mark a rejected submission.
	DefaultErrorIndicators = []string{".error-message", ".alert-danger", ".form-error"}
)

// commonPatterns is the generic selector library used by the common-pattern
// strategy, in preference order per field.
var commonPatterns = map[submission.CanonicalField][]string{
	submission.FieldBusinessName: {
		"input[name='business_name']",
		"input[name='company_name']",
		"input[name='businessName']",
		"input[name='company']",
		"input[name='practice_name']",
		"input[name='name']",
		"input[id='businessName']",
		"input[id='companyName']",
		"#business-name",
		"#company-name",
	},
	submission.FieldEmail: {
		"input[name='email']",
		"input[type='email']",
		"input[name='email_address']",
		"input[id='email']",
		"#email",
	},
	submission.FieldPhone: {
		"input[name='phone']",
		"input[name='telephone']",
		"input[name='tel']",
		"input[type='tel']",
		"input[id='phone']",
		"#phone",
	},
	submission.FieldWebsite: {
		"input[name='website']",
		"input[name='url']",
		"input[name='web']",
		"input[type='url']",
		"input[id='website']",
		"#website",
	},
	submission.FieldAddress: {
		"input[name='address']",
		"input[name='street']",
		"input[name='address1']",
		"input[id='address']",
		"textarea[name='address']",
		"#address",
	},
	submission.FieldCity: {
		"input[name='city']",
		"input[id='city']",
		"#city",
	},
	submission.FieldState: {
		"select[name='state']",
		"select[name='province']",
		"select[name='region']",
		"input[name='state']",
		"select[id='state']",
		"#state",
	},
	submission.FieldZip: {
		"input[name='zip']",
		"input[name='zipcode']",
		"input[name='zip_code']",
		"input[name='postal_code']",
		"input[name='postcode']",
		"input[id='zip']",
		"#zip",
	},
	submission.FieldDescription: {
		"textarea[name='description']",
		"textarea[name='about']",
		"textarea[name='bio']",
		"textarea[name='summary']",
		"textarea[id='description']",
		"#description",
	},
	submission.FieldCategory: {
		"select[name='category']",
		"select[name='business_category']",
		"select[name='primary_category']",
		"select[name='industry']",
		"input[name='category']",
		"select[id='category']",
		"#category",
	},
	submission.FieldFacebook: {
		"input[name='facebook']",
		"input[name='facebook_url']",
		"#facebook",
	},
	submission.FieldTwitter: {
		"input[name='twitter']",
		"input[name='twitter_url']",
		"#twitter",
	},
	submission.FieldLinkedIn: {
		"input[name='linkedin']",
		"input[name='linkedin_url']",
		"#linkedin",
	},
	submission.FieldInstagram: {
		"input[name='instagram']",
		"input[name='instagram_url']",
		"#instagram",
	},
	submission.FieldLogo: {
		"input[type='file'][name='logo']",
		"input[name='logo']",
		"input[type='file'][name='photos']",
		"#logo",
	},
}

// attributeFragments back the pattern library with name/id substrings.
var attributeFragments = map[submission.CanonicalField][]string{
	submission.FieldBusinessName: {"business_name", "businessname", "company", "business-name"},
	submission.FieldEmail:        {"email"},
	submission.FieldPhone:        {"phone", "telephone"},
	submission.FieldWebsite:      {"website", "homepage"},
	submission.FieldAddress:      {"address", "street"},
	submission.FieldCity:         {"city"},
	submission.FieldState:        {"state", "province"},
	submission.FieldZip:          {"zip", "postal"},
	submission.FieldDescription:  {"description", "about"},
	submission.FieldCategory:     {"category", "industry"},
	submission.FieldFacebook:     {"facebook"},
	submission.FieldTwitter:      {"twitter"},
	submission.FieldLinkedIn:     {"linkedin"},
	submission.FieldInstagram:    {"instagram"},
	submission.FieldLogo:         {"logo"},
}

// synonyms feed the semantic strategy.
var synonyms = map[submission.CanonicalField][]string{
	submission.FieldBusinessName: {"business name", "company name", "business", "company", "organization", "organisation", "listing name", "practice name", "store name"},
	submission.FieldEmail:        {"email", "e-mail", "mail"},
	submission.FieldPhone:        {"phone", "telephone", "tel", "mobile", "cell"},
	submission.FieldWebsite:      {"website", "web site", "url", "homepage", "web"},
	submission.FieldAddress:      {"address", "street", "addr", "location"},
	submission.FieldCity:         {"city", "town", "locality"},
	submission.FieldState:        {"state", "province", "region"},
	submission.FieldZip:          {"zip", "postal", "postcode", "post code"},
	submission.FieldDescription:  {"description", "about", "bio", "summary", "details"},
	submission.FieldCategory:     {"category", "industry", "business type"},
	submission.FieldFacebook:     {"facebook"},
	submission.FieldTwitter:      {"twitter"},
	submission.FieldLinkedIn:     {"linkedin"},
	submission.FieldInstagram:    {"instagram"},
	submission.FieldLogo:         {"logo", "image", "photo"},
}

// typeHints maps an input type onto the field it implies.
var typeHints = map[string]submission.CanonicalField{
	"email": submission.FieldEmail,
	"tel":   submission.FieldPhone,
	"url":   submission.FieldWebsite,
	"file":  submission.FieldLogo,
}

// ignoredTypes never carry profile data.
var ignoredTypes = map[string]bool{
	"hidden":   true,
	"submit":   true,
	"button":   true,
	"reset":    true,
	"image":    true,
	"password": true,
	"checkbox": true,
	"radio":    true,
}
