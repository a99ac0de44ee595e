package searchparam

// Seed returns the embedded-tier search parameter definitions that ship
// with the engine. Deployments layer stored (config == Source) and
// config-tier definitions on top via Register.
func Seed() []Definition {
	return []Definition{
		{URL: "http://hl7.org/fhir/SearchParameter/Resource-id", Code: "_id", Type: TypeSpecial, Expression: "Resource.id", Base: []string{"Resource"}, Status: StatusActive, Source: SourceEmbedded},
		{URL: "http://hl7.org/fhir/SearchParameter/Resource-lastUpdated", Code: "_lastUpdated", Type: TypeSpecial, Expression: "Resource.meta.lastUpdated", Base: []string{"Resource"}, Status: StatusActive, Source: SourceEmbedded},
		{URL: "http://hl7.org/fhir/SearchParameter/Resource-tag", Code: "_tag", Type: TypeSpecial, Expression: "Resource.meta.tag", Base: []string{"Resource"}, Status: StatusActive, Source: SourceEmbedded},
		{URL: "http://hl7.org/fhir/SearchParameter/Resource-security", Code: "_security", Type: TypeSpecial, Expression: "Resource.meta.security", Base: []string{"Resource"}, Status: StatusActive, Source: SourceEmbedded},
		{URL: "http://hl7.org/fhir/SearchParameter/Resource-profile", Code: "_profile", Type: TypeSpecial, Expression: "Resource.meta.profile", Base: []string{"Resource"}, Status: StatusActive, Source: SourceEmbedded},
		{URL: "http://hl7.org/fhir/SearchParameter/Resource-source", Code: "_source", Type: TypeSpecial, Expression: "Resource.meta.source", Base: []string{"Resource"}, Status: StatusActive, Source: SourceEmbedded},

		{URL: "http://hl7.org/fhir/SearchParameter/Patient-name", Code: "name", Type: TypeString, Expression: "Patient.name", Base: []string{"Patient"}, Status: StatusActive, Source: SourceEmbedded},
		{URL: "http://hl7.org/fhir/SearchParameter/Patient-family", Code: "family", Type: TypeString, Expression: "Patient.name.family", Base: []string{"Patient"}, Status: StatusActive, Source: SourceEmbedded},
		{URL: "http://hl7.org/fhir/SearchParameter/Patient-given", Code: "given", Type: TypeString, Expression: "Patient.name.given", Base: []string{"Patient"}, Status: StatusActive, Source: SourceEmbedded},
		{URL: "http://hl7.org/fhir/SearchParameter/Patient-birthdate", Code: "birthdate", Type: TypeDate, Expression: "Patient.birthDate", Base: []string{"Patient"}, Status: StatusActive, Source: SourceEmbedded},
		{URL: "http://hl7.org/fhir/SearchParameter/Patient-identifier", Code: "identifier", Type: TypeToken, Expression: "Patient.identifier", Base: []string{"Patient"}, Status: StatusActive, Source: SourceEmbedded},
		{URL: "http://hl7.org/fhir/SearchParameter/Patient-address", Code: "address", Type: TypeString, Expression: "Patient.address", Base: []string{"Patient"}, Status: StatusActive, Source: SourceEmbedded},
		{URL: "http://hl7.org/fhir/SearchParameter/Patient-active", Code: "active", Type: TypeToken, Expression: "Patient.active", Base: []string{"Patient"}, Status: StatusActive, Source: SourceEmbedded},

		{URL: "http://hl7.org/fhir/SearchParameter/Observation-code", Code: "code", Type: TypeToken, Expression: "Observation.code", Base: []string{"Observation"}, Status: StatusActive, Source: SourceEmbedded},
		{URL: "http://hl7.org/fhir/SearchParameter/Observation-subject", Code: "subject", Type: TypeReference, Expression: "Observation.subject", Base: []string{"Observation"}, Target: []string{"Patient", "Group", "Device", "Location"}, Status: StatusActive, Source: SourceEmbedded},
		{URL: "http://hl7.org/fhir/SearchParameter/Observation-patient", Code: "patient", Type: TypeReference, Expression: "Observation.subject.where(resolve() is Patient)", Base: []string{"Observation"}, Target: []string{"Patient"}, Status: StatusActive, Source: SourceEmbedded},
		{URL: "http://hl7.org/fhir/SearchParameter/Observation-date", Code: "date", Type: TypeDate, Expression: "Observation.effective", Base: []string{"Observation"}, Status: StatusActive, Source: SourceEmbedded},
		{URL: "http://hl7.org/fhir/SearchParameter/Observation-value-quantity", Code: "value-quantity", Type: TypeQuantity, Expression: "Observation.value", Base: []string{"Observation"}, Status: StatusActive, Source: SourceEmbedded},
		{URL: "http://hl7.org/fhir/SearchParameter/Observation-status", Code: "status", Type: TypeToken, Expression: "Observation.status", Base: []string{"Observation"}, Status: StatusActive, Source: SourceEmbedded},

		{URL: "http://hl7.org/fhir/SearchParameter/clinical-patient", Code: "patient", Type: TypeReference, Expression: "%resource.subject", Base: []string{"Condition", "Encounter", "DiagnosticReport", "Procedure"}, Target: []string{"Patient"}, Status: StatusActive, Source: SourceEmbedded},
		{URL: "http://hl7.org/fhir/SearchParameter/Encounter-status", Code: "status", Type: TypeToken, Expression: "Encounter.status", Base: []string{"Encounter"}, Status: StatusActive, Source: SourceEmbedded},

		{URL: "http://hl7.org/fhir/SearchParameter/Group-member", Code: "member", Type: TypeReference, Expression: "Group.member.entity", Base: []string{"Group"}, Status: StatusActive, Source: SourceEmbedded},

		{URL: "http://hl7.org/fhir/SearchParameter/individual-phonetic", Code: "phonetic", Type: TypeString, Expression: "Patient.name", Base: []string{"Patient"}, Status: StatusActive, Source: SourceEmbedded},
	}
}

// LoadSeed registers every embedded definition into r. Callers register
// stored- and config-tier definitions afterward so they take precedence.
func LoadSeed(r *Registry) error {
	for _, def := range Seed() {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}
